package organizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RecordsFile is the name of the per-job record snapshot inside the job's temp directory.
const RecordsFile = "records.json"

// ChunkFailure describes one chunk that did not produce a file.
type ChunkFailure struct {
	Index  int    `json:"index"`
	Bounds string `json:"bounds"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ExportRecord summarizes one table's export. It is produced once when the table leaves the
// exporting state and is consumed by the Organizer.
type ExportRecord struct {
	Table           string         `json:"table"`
	Status          string         `json:"status"`
	Strategy        string         `json:"strategy,omitempty"`
	KeyColumn       string         `json:"key_column,omitempty"`
	Files           []string       `json:"files"`
	Rows            int64          `json:"rows"`
	Bytes           int64          `json:"bytes"`
	ChunkCount      int            `json:"chunk_count"`
	SucceededChunks int            `json:"succeeded_chunks"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
	Failures        []ChunkFailure `json:"failures,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Promotable reports whether the table has output worth moving to the final layout.
func (r ExportRecord) Promotable() bool {
	return r.SucceededChunks > 0
}

// RecordSet is the snapshot the coordinator writes before organizing, so that organization can
// be re-run after a crash.
type RecordSet struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	SavedAt   time.Time      `json:"saved_at"`
	Records   []ExportRecord `json:"records"`
}

// RecordsPath returns where a job's record snapshot lives.
func RecordsPath(tempRoot, jobID string) string {
	return filepath.Join(tempRoot, jobID, RecordsFile)
}

// SaveRecords writes the snapshot atomically via a temp file and rename.
func SaveRecords(tempRoot string, set RecordSet) error {
	path := RecordsPath(tempRoot, set.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if set.SavedAt.IsZero() {
		set.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadRecords reads a snapshot written by SaveRecords.
func LoadRecords(tempRoot, jobID string) (*RecordSet, error) {
	data, err := os.ReadFile(RecordsPath(tempRoot, jobID))
	if err != nil {
		return nil, err
	}
	var set RecordSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("corrupt records for job %s: %w", jobID, err)
	}
	return &set, nil
}
