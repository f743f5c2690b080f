package exporter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Finished jobs stay visible to Status and Cancel for this long by default.
const (
	DefaultJobRetention = time.Hour
	DefaultMaxRetained  = 1000
)

// Runner executes one job. *Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, job *ExportJob) *JobResult
}

type scheduledJob struct {
	job    *ExportJob
	result chan *JobResult
}

type finishedJob struct {
	id string
	at time.Time
}

// Scheduler is a blocking job queue drained by one dedicated goroutine. Submit wakes the
// goroutine; nothing polls.
type Scheduler struct {
	// Retention and MaxRetained bound how many finished jobs are remembered.
	Retention   time.Duration
	MaxRetained int

	runner Runner
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*scheduledJob
	jobs     map[string]*ExportJob
	finished []finishedJob
	closed   bool
	started  bool
	done     chan struct{}
}

// NewScheduler creates a scheduler. Call Start to begin draining.
func NewScheduler(runner Runner, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		Retention:   DefaultJobRetention,
		MaxRetained: DefaultMaxRetained,
		runner:      runner,
		logger:      logger.With("component", "scheduler"),
		now:         time.Now,
		jobs:        make(map[string]*ExportJob),
		done:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the scheduling goroutine. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.logger.Info("running job", "job", next.job.ID)
		result := s.runner.Run(ctx, next.job)

		s.mu.Lock()
		s.finished = append(s.finished, finishedJob{id: next.job.ID, at: s.now()})
		s.prune()
		s.mu.Unlock()

		next.result <- result
		close(next.result)
	}
}

// Submit enqueues a job. The returned channel yields the result once the job is terminal.
func (s *Scheduler) Submit(job *ExportJob) (<-chan *JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	s.prune()
	if _, exists := s.jobs[job.ID]; exists {
		return nil, ErrDuplicateJob
	}

	job.Token()
	job.setStatus(JobQueued)
	entry := &scheduledJob{job: job, result: make(chan *JobResult, 1)}
	s.jobs[job.ID] = job
	s.queue = append(s.queue, entry)
	s.cond.Signal()

	s.logger.Debug("job queued", "job", job.ID, "depth", len(s.queue))
	return entry.result, nil
}

// prune forgets finished jobs past the retention window or beyond MaxRetained, oldest first.
// Callers hold s.mu.
func (s *Scheduler) prune() {
	cutoff := s.now().Add(-s.Retention)
	n := 0
	for n < len(s.finished) {
		f := s.finished[n]
		expired := s.Retention > 0 && f.at.Before(cutoff)
		overCap := s.MaxRetained > 0 && len(s.finished)-n > s.MaxRetained
		if !expired && !overCap {
			break
		}
		delete(s.jobs, f.id)
		n++
	}
	if n > 0 {
		s.finished = append(s.finished[:0], s.finished[n:]...)
		s.logger.Debug("forgot finished jobs", "count", n, "retained", len(s.finished))
	}
}

// Cancel sets a job's token. Queued jobs finish as cancelled without touching the database.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()

	if !ok {
		return ErrJobNotFound
	}
	if job.Status().Terminal() {
		return ErrJobFinished
	}
	job.Cancel()
	s.logger.Info("job cancellation requested", "job", jobID)
	return nil
}

// Status returns a submitted job's status.
func (s *Scheduler) Status(jobID string) (JobStatus, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return "", ErrJobNotFound
	}
	return job.Status(), nil
}

// CancelAll sets the token of every job that is not terminal.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if !job.Status().Terminal() {
			job.Cancel()
		}
	}
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Broadcast()
	}
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}
