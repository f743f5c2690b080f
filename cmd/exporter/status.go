package exporter

// JobStatus is the state of an ExportJob.
type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobRunning             JobStatus = "running"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobCancelled           JobStatus = "cancelled"
	JobFailed              JobStatus = "failed"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobCancelled, JobFailed:
		return true
	}
	return false
}

// TableStatus is the state of one table within a job.
type TableStatus string

const (
	TablePending            TableStatus = "pending"
	TableSchemaResolved     TableStatus = "schema_resolved"
	TablePlanned            TableStatus = "planned"
	TableExporting          TableStatus = "exporting"
	TableSucceeded          TableStatus = "succeeded"
	TablePartiallySucceeded TableStatus = "partially_succeeded"
	TableFailed             TableStatus = "failed"
	TableCancelled          TableStatus = "cancelled"
)

// ChunkStatus is the state of one chunk task.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkRunning   ChunkStatus = "running"
	ChunkSucceeded ChunkStatus = "succeeded"
	ChunkFailed    ChunkStatus = "failed"
	// ChunkSkipped marks a chunk that was never dispatched because the job was cancelled.
	ChunkSkipped ChunkStatus = "skipped"
)

// aggregateTable reduces chunk outcomes to a table status.
func aggregateTable(outcomes []ChunkOutcome) TableStatus {
	var succeeded, failed, skipped int
	for _, o := range outcomes {
		switch o.Status {
		case ChunkSucceeded:
			succeeded++
		case ChunkSkipped:
			skipped++
		default:
			failed++
		}
	}

	switch {
	case len(outcomes) == 0:
		return TableSucceeded
	case skipped > 0 && succeeded > 0:
		return TablePartiallySucceeded
	case skipped > 0:
		return TableCancelled
	case failed == 0:
		return TableSucceeded
	case succeeded > 0:
		return TablePartiallySucceeded
	default:
		return TableFailed
	}
}

// aggregateJob reduces table statuses to a job status. cancelledBeforeStart is true when the
// token was set before any table was dispatched.
func aggregateJob(tables []TableStatus, cancelledBeforeStart bool) JobStatus {
	if cancelledBeforeStart {
		return JobCancelled
	}

	var succeeded, failed, cancelled int
	for _, s := range tables {
		switch s {
		case TableSucceeded:
			succeeded++
		case TableFailed:
			failed++
		case TableCancelled:
			cancelled++
		}
	}

	switch {
	case succeeded == len(tables):
		return JobCompleted
	case failed == len(tables):
		return JobFailed
	case cancelled == len(tables):
		return JobCancelled
	default:
		return JobCompletedWithErrors
	}
}
