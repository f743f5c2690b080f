package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/organizer"
	"github.com/airframesio/table-exporter/cmd/planner"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
	"github.com/airframesio/table-exporter/cmd/status"
)

// Options are the run-time bounds and locations of a Coordinator.
type Options struct {
	// TableWorkers is the table-level concurrency T.
	TableWorkers int
	Pool         PoolConfig
	TempRoot     string
	FinalRoot    string
	Policy       organizer.ConflictPolicy
	// DefaultSchema qualifies bare table names.
	DefaultSchema string
	KeyColumns    map[string]string
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Connector source.Connector
	Resolver  *schema.Resolver
	Planner   *planner.Planner
	Sink      formatters.Sink
	Store     status.Store
	Organizer *organizer.Organizer
	Observer  Observer
}

// JobResult is the outcome of Coordinator.Run.
type JobResult struct {
	JobID        string
	Status       JobStatus
	Records      []ExportRecord
	Organization *organizer.OrganizationResult
	StartedAt    time.Time
	Duration     time.Duration
	// Err holds job-wide failures: table discovery, record persistence, organization.
	Err error
}

// Coordinator runs up to T table orchestrators for a job and organizes their output.
type Coordinator struct {
	deps   Deps
	opts   Options
	tables *TableOrchestrator
	logger *slog.Logger
}

// NewCoordinator wires a coordinator and its table orchestrator and chunk pool.
func NewCoordinator(deps Deps, opts Options, logger *slog.Logger) *Coordinator {
	if opts.TableWorkers <= 0 {
		opts.TableWorkers = 1
	}
	if opts.Policy == "" {
		opts.Policy = organizer.PolicyVersion
	}
	if deps.Planner == nil {
		deps.Planner = planner.New()
	}
	if deps.Store == nil {
		deps.Store = status.NewMemoryStore()
	}
	if deps.Observer == nil {
		deps.Observer = Observers(nil)
	}

	pool := NewPool(deps.Connector, deps.Sink, deps.Store, deps.Observer, opts.Pool, logger)
	return &Coordinator{
		deps: deps,
		opts: opts,
		tables: &TableOrchestrator{
			connector:  deps.Connector,
			resolver:   deps.Resolver,
			planner:    deps.Planner,
			pool:       pool,
			sink:       deps.Sink,
			store:      deps.Store,
			observer:   deps.Observer,
			tempRoot:   opts.TempRoot,
			keyColumns: normalizeKeyColumns(opts.KeyColumns),
			logger:     logger.With("component", "table"),
		},
		logger: logger.With("component", "coordinator"),
	}
}

// Run executes a job to a terminal status. Cancellation through the job's token is
// cooperative: no new table or chunk is dispatched, work in flight finishes.
func (c *Coordinator) Run(ctx context.Context, job *ExportJob) *JobResult {
	token := job.Token()
	res := &JobResult{JobID: job.ID, StartedAt: time.Now().UTC()}
	logger := c.logger.With("job", job.ID)

	finish := func(s JobStatus) *JobResult {
		res.Status = s
		res.Duration = time.Since(res.StartedAt)
		c.setJobStatus(ctx, job, s)
		logger.Info("job finished", "status", s, "tables", len(res.Records), "duration", res.Duration.Round(time.Millisecond))
		return res
	}

	if job.Spec != nil {
		if data, err := json.Marshal(job.Spec); err == nil {
			if err := c.deps.Store.SaveJobConfig(context.WithoutCancel(ctx), job.ID, data); err != nil {
				logger.Warn("failed to store job config", "error", err)
			}
		}
	}

	if token.Cancelled() {
		return finish(JobCancelled)
	}
	c.setJobStatus(ctx, job, JobRunning)

	tables, err := c.resolveTables(ctx, job)
	if err != nil {
		res.Err = err
		c.recordError(ctx, status.JobEntity(job.ID), err)
		logger.Error("failed to resolve tables", "error", err)
		return finish(JobFailed)
	}
	logger.Info("starting export", "tables", len(tables), "table_workers", c.opts.TableWorkers, "chunk_workers", c.opts.Pool.Workers)

	records, dispatched := c.runTables(ctx, token, job.ID, tables)
	res.Records = records

	statuses := lo.Map(records, func(r ExportRecord, _ int) TableStatus { return TableStatus(r.Status) })
	final := aggregateJob(statuses, dispatched == 0 && len(tables) > 0)

	if dispatched > 0 {
		c.organize(ctx, job, res, final)
		if res.Organization != nil && len(res.Organization.Errors) > 0 && final == JobCompleted {
			final = JobCompletedWithErrors
		}
	}
	return finish(final)
}

// runTables feeds tables to T workers. The token is checked before each table is claimed.
func (c *Coordinator) runTables(ctx context.Context, token *CancelToken, jobID string, tables []source.Table) ([]ExportRecord, int) {
	records := make([]ExportRecord, len(tables))

	var (
		mu   sync.Mutex
		next int
	)
	claim := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(tables) || token.Cancelled() || ctx.Err() != nil {
			return 0, false
		}
		i := next
		next++
		return i, true
	}

	var wg sync.WaitGroup
	for w := 0; w < min(c.opts.TableWorkers, len(tables)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i, ok := claim()
				if !ok {
					return
				}
				records[i] = c.tables.Export(ctx, token, jobID, tables[i])
			}
		}()
	}
	wg.Wait()

	for i := next; i < len(tables); i++ {
		name := tables[i].QualifiedName()
		records[i] = ExportRecord{Table: name, Status: string(TableCancelled)}
		c.tables.setStatus(ctx, jobID, name, TableCancelled)
	}
	return records, next
}

func (c *Coordinator) resolveTables(ctx context.Context, job *ExportJob) ([]source.Table, error) {
	var tables []source.Table
	if len(job.Tables) > 0 {
		tables = lo.Map(job.Tables, func(name string, _ int) source.Table {
			return source.ParseTable(name, c.opts.DefaultSchema)
		})
	} else {
		conn, err := c.deps.Connector.Connect(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		tables, err = conn.ListTables(ctx, job.SchemaFilter)
		if err != nil {
			return nil, err
		}
	}

	if len(job.Exclude) > 0 {
		excluded := lo.Associate(job.Exclude, func(name string) (string, bool) { return name, true })
		tables = lo.Reject(tables, func(t source.Table, _ int) bool {
			return excluded[t.Name] || excluded[t.QualifiedName()]
		})
	}
	return lo.UniqBy(tables, source.Table.QualifiedName), nil
}

// organize persists the records for recovery and then promotes the output. Status updates that
// follow are idempotent, so organization can be re-run from the records file.
func (c *Coordinator) organize(ctx context.Context, job *ExportJob, res *JobResult, tableStatus JobStatus) {
	set := organizer.RecordSet{
		JobID:     job.ID,
		Status:    string(tableStatus),
		StartedAt: res.StartedAt,
		Records:   res.Records,
	}
	if err := organizer.SaveRecords(c.opts.TempRoot, set); err != nil {
		c.logger.Warn("failed to persist export records", "job", job.ID, "error", err)
	}
	if c.deps.Organizer == nil {
		return
	}

	org, err := c.deps.Organizer.Organize(context.WithoutCancel(ctx), set, c.opts.TempRoot, c.opts.FinalRoot, c.opts.Policy)
	res.Organization = &org
	if err != nil {
		res.Err = errors.Join(res.Err, fmt.Errorf("organize: %w", err))
		c.recordError(ctx, status.JobEntity(job.ID), err)
	}
	for _, orgErr := range org.Errors {
		c.recordError(ctx, status.TableEntity(job.ID, orgErr.Table), orgErr)
	}
	if orgErr := org.Err(); orgErr != nil {
		res.Err = errors.Join(res.Err, orgErr)
	}
}

func (c *Coordinator) setJobStatus(ctx context.Context, job *ExportJob, s JobStatus) {
	job.setStatus(s)
	if err := c.deps.Store.SetStatus(context.WithoutCancel(ctx), status.JobEntity(job.ID), string(s)); err != nil {
		c.logger.Warn("failed to update job status", "job", job.ID, "status", s, "error", err)
	}
	c.deps.Observer.JobStatusChanged(job.ID, s)
}

func (c *Coordinator) recordError(ctx context.Context, entity string, err error) {
	if recErr := c.deps.Store.RecordError(context.WithoutCancel(ctx), entity, err.Error()); recErr != nil {
		c.logger.Warn("failed to record error", "entity", entity, "error", recErr)
	}
}
