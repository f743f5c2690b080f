package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
	"github.com/airframesio/table-exporter/cmd/status"
)

// ChunkTask is one bounded slice of a table. It is owned by exactly one worker once dispatched.
type ChunkTask struct {
	Index int
	Path  string
	Query source.ChunkQuery
}

// ChunkOutcome is what a worker reports for its chunk.
type ChunkOutcome struct {
	Index      int
	Status     ChunkStatus
	Dispatched bool
	Path       string
	Rows       int64
	Bytes      int64
	Attempts   int
	Duration   time.Duration
	Err        error
}

// Success reports whether the chunk produced its file.
func (o ChunkOutcome) Success() bool {
	return o.Status == ChunkSucceeded
}

// PoolConfig bounds a Pool.
type PoolConfig struct {
	// Workers is the chunk-level concurrency C.
	Workers int
	// MaxRetries bounds reconnect attempts for connection errors within one chunk.
	MaxRetries int
	// RetryDelay is the first backoff interval.
	RetryDelay time.Duration
	// BatchSize is the number of rows fetched per iterator call.
	BatchSize int
}

// Pool runs chunk tasks with bounded concurrency. Every chunk gets its own connection.
type Pool struct {
	connector source.Connector
	sink      formatters.Sink
	store     status.Store
	observer  Observer
	cfg       PoolConfig
	logger    *slog.Logger
}

// NewPool creates a chunk worker pool.
func NewPool(connector source.Connector, sink formatters.Sink, store status.Store, observer Observer, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if observer == nil {
		observer = Observers(nil)
	}
	return &Pool{
		connector: connector,
		sink:      sink,
		store:     store,
		observer:  observer,
		cfg:       cfg,
		logger:    logger.With("component", "pool"),
	}
}

// Run executes tasks and returns one outcome per task, in task order. Workers claim tasks one
// at a time and check the token before each claim; tasks never claimed are reported as skipped.
// In-flight chunks always run to completion.
func (p *Pool) Run(ctx context.Context, token *CancelToken, jobID string, t source.Table, cs *schema.ColumnSchema, tasks []ChunkTask) []ChunkOutcome {
	table := t.QualifiedName()
	outcomes := make([]ChunkOutcome, len(tasks))
	for i, task := range tasks {
		outcomes[i] = ChunkOutcome{Index: task.Index, Status: ChunkSkipped}
	}

	var (
		mu   sync.Mutex
		next int
	)
	claim := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(tasks) || token.Cancelled() || ctx.Err() != nil {
			return 0, false
		}
		i := next
		next++
		return i, true
	}

	workers := min(p.cfg.Workers, len(tasks))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i, ok := claim()
				if !ok {
					return
				}
				outcomes[i] = p.runChunk(ctx, jobID, t, cs, tasks[i])
				p.observer.ChunkFinished(jobID, table, outcomes[i])
			}
		}()
	}
	wg.Wait()

	for i := next; i < len(tasks); i++ {
		p.setStatus(ctx, status.ChunkEntity(jobID, table, tasks[i].Index), ChunkSkipped)
		p.observer.ChunkFinished(jobID, table, outcomes[i])
	}
	if skipped := len(tasks) - next; skipped > 0 {
		p.logger.Info("cancellation observed, chunks not dispatched", "table", table, "skipped", skipped)
	}
	return outcomes
}

func (p *Pool) runChunk(ctx context.Context, jobID string, t source.Table, cs *schema.ColumnSchema, task ChunkTask) ChunkOutcome {
	table := t.QualifiedName()
	entity := status.ChunkEntity(jobID, table, task.Index)
	start := time.Now()

	p.setStatus(ctx, entity, ChunkRunning)
	outcome := ChunkOutcome{Index: task.Index, Dispatched: true}

	rows, bytes, attempts, err := p.exportChunk(ctx, t, cs, task)
	outcome.Rows, outcome.Bytes, outcome.Attempts = rows, bytes, attempts
	outcome.Duration = time.Since(start)

	if err != nil {
		outcome.Status = ChunkFailed
		outcome.Err = err
		p.setStatus(ctx, entity, ChunkFailed)
		if recErr := p.store.RecordError(ctx, entity, err.Error()); recErr != nil {
			p.logger.Warn("failed to record chunk error", "chunk", entity, "error", recErr)
		}
		p.logger.Error("chunk failed", "table", table, "chunk", task.Index, "bounds", task.Query.Bounds.String(), "error", err)
		return outcome
	}

	outcome.Status = ChunkSucceeded
	outcome.Path = task.Path
	p.setStatus(ctx, entity, ChunkSucceeded)
	p.logger.Debug("chunk finished", "table", table, "chunk", task.Index, "rows", rows, "bytes", bytes, "duration", outcome.Duration)
	return outcome
}

// exportChunk opens a dedicated connection, streams the chunk into one file and closes the
// connection on every path. Connection errors while connecting or opening the query are retried.
func (p *Pool) exportChunk(ctx context.Context, t source.Table, cs *schema.ColumnSchema, task ChunkTask) (rows, bytes int64, attempts int, err error) {
	table := t.QualifiedName()
	q := task.Query
	if q.BatchSize == 0 {
		q.BatchSize = p.cfg.BatchSize
	}

	var (
		conn source.Conn
		iter source.RowIterator
	)
	open := func() error {
		attempts++
		c, err := p.connector.Connect(ctx)
		if err != nil {
			if source.IsConnectionError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		it, err := c.QueryChunk(ctx, t, cs, q)
		if err != nil {
			c.Close()
			if source.IsConnectionError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn, iter = c, it
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.RetryDelay
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(p.cfg.MaxRetries, 0))), ctx)

	err = backoff.RetryNotify(open, retry, func(err error, wait time.Duration) {
		p.logger.Warn("connection error, retrying chunk", "table", table, "chunk", task.Index, "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil {
		return 0, 0, attempts, &ChunkQueryError{Table: table, Index: task.Index, Bounds: q.Bounds, Err: err}
	}
	defer conn.Close()
	defer iter.Close()

	w, err := p.sink.Create(task.Path, cs)
	if err != nil {
		return 0, 0, attempts, &ChunkWriteError{Table: table, Index: task.Index, Bounds: q.Bounds, Path: task.Path, Err: err}
	}

	for {
		batch, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.Abort()
			return rows, 0, attempts, &ChunkQueryError{Table: table, Index: task.Index, Bounds: q.Bounds, Err: err}
		}
		if _, err := w.WriteBatch(batch); err != nil {
			w.Abort()
			return rows, 0, attempts, &ChunkWriteError{Table: table, Index: task.Index, Bounds: q.Bounds, Path: task.Path, Err: err}
		}
		rows += int64(len(batch))
	}

	if err := w.Finalize(); err != nil {
		return rows, 0, attempts, &ChunkWriteError{Table: table, Index: task.Index, Bounds: q.Bounds, Path: task.Path, Err: err}
	}
	return rows, w.Size(), attempts, nil
}

func (p *Pool) setStatus(ctx context.Context, entity string, s ChunkStatus) {
	if err := p.store.SetStatus(context.WithoutCancel(ctx), entity, string(s)); err != nil {
		p.logger.Warn("failed to update chunk status", "chunk", entity, "status", s, "error", err)
	}
}

func (o ChunkOutcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("chunk %d %s: %v", o.Index, o.Status, o.Err)
	}
	return fmt.Sprintf("chunk %d %s", o.Index, o.Status)
}
