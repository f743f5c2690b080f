package exporter

import (
	"errors"
	"fmt"

	"github.com/airframesio/table-exporter/cmd/planner"
)

var (
	// ErrJobNotFound is returned for job ids the scheduler never saw
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned when cancelling a job that already reached a terminal state
	ErrJobFinished = errors.New("job already finished")
	// ErrSchedulerClosed is returned when submitting to a closed scheduler
	ErrSchedulerClosed = errors.New("scheduler is closed")
	// ErrDuplicateJob is returned when a job id is submitted twice
	ErrDuplicateJob = errors.New("job already submitted")
)

// ChunkQueryError is a chunk-fatal failure to read the chunk's rows.
type ChunkQueryError struct {
	Table  string
	Index  int
	Bounds planner.Bounds
	Err    error
}

func (e *ChunkQueryError) Error() string {
	return fmt.Sprintf("chunk %d of %s (%s): query failed: %v", e.Index, e.Table, e.Bounds, e.Err)
}

func (e *ChunkQueryError) Unwrap() error {
	return e.Err
}

// ChunkWriteError is a chunk-fatal failure to write the chunk's file.
type ChunkWriteError struct {
	Table  string
	Index  int
	Bounds planner.Bounds
	Path   string
	Err    error
}

func (e *ChunkWriteError) Error() string {
	return fmt.Sprintf("chunk %d of %s (%s): write %s failed: %v", e.Index, e.Table, e.Bounds, e.Path, e.Err)
}

func (e *ChunkWriteError) Unwrap() error {
	return e.Err
}
