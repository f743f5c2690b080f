package exporter

import (
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// NewJobID returns a sortable, unique job id.
func NewJobID() string {
	return "exp_" + strings.ToLower(ksuid.New().String())
}

// ExportJob is one export request. Its status is written only by the coordinator.
type ExportJob struct {
	ID string
	// Tables is the explicit table list. When empty, tables are discovered in SchemaFilter.
	Tables       []string
	SchemaFilter string
	Exclude      []string
	CreatedAt    time.Time
	// Spec is the submitted configuration, stored with the job. It must not carry secrets.
	Spec any

	token  *CancelToken
	mu     sync.Mutex
	status JobStatus
}

// NewExportJob creates a queued job with a fresh id and cancellation token.
func NewExportJob(tables []string) *ExportJob {
	return &ExportJob{
		ID:        NewJobID(),
		Tables:    tables,
		CreatedAt: time.Now().UTC(),
		token:     NewCancelToken(),
		status:    JobQueued,
	}
}

// Token returns the job's cancellation token.
func (j *ExportJob) Token() *CancelToken {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.token == nil {
		j.token = NewCancelToken()
	}
	return j.token
}

// Cancel sets the job's token.
func (j *ExportJob) Cancel() {
	j.Token().Cancel()
}

// Status returns the current job status.
func (j *ExportJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == "" {
		return JobQueued
	}
	return j.status
}

func (j *ExportJob) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}
