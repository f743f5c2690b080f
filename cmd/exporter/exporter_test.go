package exporter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/organizer"
	"github.com/airframesio/table-exporter/cmd/planner"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
	"github.com/airframesio/table-exporter/cmd/status"
)

type harness struct {
	conn  *fakeConnector
	store *status.MemoryStore
	obs   *hookObserver
	coord *Coordinator
	temp  string
	final string
}

func newHarness(t *testing.T, tables map[string]*fakeTable, chunkWorkers int) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		conn:  newFakeConnector(tables),
		store: status.NewMemoryStore(),
		obs:   newHookObserver(),
		temp:  filepath.Join(root, "tmp"),
		final: filepath.Join(root, "final"),
	}

	resolver, err := schema.NewResolver(schema.EnginePostgres, newTestLogger())
	require.NoError(t, err)
	sink, err := formatters.GetSink(formatters.FormatCSV, "none", 0)
	require.NoError(t, err)

	h.coord = NewCoordinator(Deps{
		Connector: h.conn,
		Resolver:  resolver,
		Planner:   &planner.Planner{SingleFileThreshold: 10, OffsetWarnRows: 1000, ChunkRows: 10},
		Sink:      sink,
		Store:     h.store,
		Organizer: organizer.New(filepath.Join(root, "archive"), newTestLogger()),
		Observer:  h.obs,
	}, Options{
		TableWorkers:  2,
		Pool:          PoolConfig{Workers: chunkWorkers, MaxRetries: 2, RetryDelay: time.Millisecond},
		TempRoot:      h.temp,
		FinalRoot:     h.final,
		Policy:        organizer.PolicyVersion,
		DefaultSchema: "public",
	}, newTestLogger())
	return h
}

func (h *harness) tableStatus(t *testing.T, jobID, table string) string {
	t.Helper()
	s, err := h.store.GetStatus(context.Background(), status.TableEntity(jobID, table))
	require.NoError(t, err)
	return s
}

func TestAggregateTable(t *testing.T) {
	ok := ChunkOutcome{Status: ChunkSucceeded}
	bad := ChunkOutcome{Status: ChunkFailed}
	skip := ChunkOutcome{Status: ChunkSkipped}

	tests := []struct {
		name     string
		outcomes []ChunkOutcome
		want     TableStatus
	}{
		{"all succeeded", []ChunkOutcome{ok, ok}, TableSucceeded},
		{"mixed", []ChunkOutcome{ok, bad}, TablePartiallySucceeded},
		{"all failed", []ChunkOutcome{bad, bad}, TableFailed},
		{"cancelled after progress", []ChunkOutcome{ok, skip}, TablePartiallySucceeded},
		{"cancelled with failures only", []ChunkOutcome{bad, skip}, TableCancelled},
		{"cancelled before any chunk", []ChunkOutcome{skip, skip}, TableCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregateTable(tt.outcomes))
		})
	}
}

func TestAggregateJob(t *testing.T) {
	tests := []struct {
		name   string
		tables []TableStatus
		early  bool
		want   JobStatus
	}{
		{"all succeeded", []TableStatus{TableSucceeded, TableSucceeded}, false, JobCompleted},
		{"no tables", nil, false, JobCompleted},
		{"one failed", []TableStatus{TableSucceeded, TableFailed}, false, JobCompletedWithErrors},
		{"partial", []TableStatus{TablePartiallySucceeded}, false, JobCompletedWithErrors},
		{"all failed", []TableStatus{TableFailed, TableFailed}, false, JobFailed},
		{"all cancelled", []TableStatus{TableCancelled}, false, JobCancelled},
		{"cancelled before start", []TableStatus{TableCancelled}, true, JobCancelled},
		{"cancelled and failed", []TableStatus{TableCancelled, TableFailed}, false, JobCompletedWithErrors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregateJob(tt.tables, tt.early))
		})
	}
}

func TestCancelTokenIsMonotonic(t *testing.T) {
	token := NewCancelToken()
	assert.False(t, token.Cancelled())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token.Cancel()
		}()
	}
	wg.Wait()

	assert.True(t, token.Cancelled())
	select {
	case <-token.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestJobExportsAllTables(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{
		"orders":    {rows: idRows(40)},
		"customers": {rows: idRows(3)},
	}, 3)

	job := NewExportJob([]string{"orders", "customers"})
	res := h.coord.Run(context.Background(), job)

	require.NoError(t, res.Err)
	assert.Equal(t, JobCompleted, res.Status)
	assert.Equal(t, JobCompleted, job.Status())

	byTable := map[string]ExportRecord{}
	for _, r := range res.Records {
		byTable[r.Table] = r
	}
	orders := byTable["public.orders"]
	assert.Equal(t, string(planner.StrategyRangeChunked), orders.Strategy)
	assert.Equal(t, "id", orders.KeyColumn)
	assert.Equal(t, 4, orders.ChunkCount)
	assert.Equal(t, int64(40), orders.Rows)

	customers := byTable["public.customers"]
	assert.Equal(t, string(planner.StrategySingle), customers.Strategy)
	assert.Equal(t, []string{"part_00000.csv"}, customers.Files)

	// every chunk used its own connection: 2 metadata + 4 + 1 chunk connections
	assert.Equal(t, int32(7), h.conn.connects.Load())
	assert.Equal(t, h.conn.connects.Load(), h.conn.closes.Load())

	for _, table := range []string{"public.orders", "public.customers"} {
		_, err := os.Stat(filepath.Join(h.final, table, "part_00000.csv"))
		assert.NoError(t, err, table)
	}
	require.NotNil(t, res.Organization)
	assert.FileExists(t, res.Organization.MetadataPath)

	set, err := organizer.LoadRecords(h.temp, job.ID)
	require.NoError(t, err)
	assert.Len(t, set.Records, 2)
}

func TestCancelAfterChunkStopsDispatch(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{"orders": {rows: idRows(40)}}, 1)
	job := NewExportJob([]string{"orders"})

	h.obs.onChunk = func(_ string, o ChunkOutcome) {
		if o.Index == 1 && o.Dispatched {
			job.Cancel()
		}
	}

	res := h.coord.Run(context.Background(), job)

	rec := res.Records[0]
	assert.Equal(t, string(TablePartiallySucceeded), rec.Status)
	assert.Equal(t, 2, rec.SucceededChunks)
	assert.Equal(t, []string{"part_00000.csv", "part_00001.csv"}, rec.Files)
	require.Len(t, rec.Failures, 2)
	assert.Equal(t, string(ChunkSkipped), rec.Failures[0].Status)
	assert.Equal(t, JobCompletedWithErrors, res.Status)

	dir := filepath.Join(h.final, "public.orders")
	assert.NoFileExists(t, filepath.Join(dir, "part_00002.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "part_00003.csv"))

	s, err := h.store.GetStatus(context.Background(), status.ChunkEntity(job.ID, "public.orders", 2))
	require.NoError(t, err)
	assert.Equal(t, string(ChunkSkipped), s)
}

func TestCancelBeforeStart(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{"orders": {rows: idRows(5)}}, 1)
	job := NewExportJob([]string{"orders"})
	job.Cancel()

	res := h.coord.Run(context.Background(), job)

	assert.Equal(t, JobCancelled, res.Status)
	assert.Zero(t, h.conn.connects.Load())
	assert.NoDirExists(t, filepath.Join(h.final, "public.orders"))
}

func TestSchemaFailureDoesNotStopOtherTables(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{
		"a": {columnsErr: errors.New("permission denied for table a")},
		"b": {rows: idRows(5)},
	}, 2)
	job := NewExportJob([]string{"a", "b"})

	res := h.coord.Run(context.Background(), job)

	assert.Equal(t, JobCompletedWithErrors, res.Status)
	assert.Equal(t, string(TableFailed), h.tableStatus(t, job.ID, "public.a"))
	assert.Equal(t, string(TableSucceeded), h.tableStatus(t, job.ID, "public.b"))
	assert.FileExists(t, filepath.Join(h.final, "public.b", "part_00000.csv"))

	errs, err := h.store.Errors(context.Background(), status.TableEntity(job.ID, "public.a"))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "permission denied")
}

func TestEveryTableFailing(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{}, 1)
	res := h.coord.Run(context.Background(), NewExportJob([]string{"missing_one", "missing_two"}))

	assert.Equal(t, JobFailed, res.Status)
	for _, r := range res.Records {
		assert.Contains(t, r.Error, schema.ErrTableNotFound.Error())
	}
}

func TestChunkQueryFailureIsIsolated(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{"orders": {rows: idRows(40)}}, 2)
	h.conn.queryErr[20] = errors.New(`syntax error at or near "FROM"`)

	res := h.coord.Run(context.Background(), NewExportJob([]string{"orders"}))

	rec := res.Records[0]
	assert.Equal(t, string(TablePartiallySucceeded), rec.Status)
	assert.Equal(t, 3, rec.SucceededChunks)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, 2, rec.Failures[0].Index)
	assert.Equal(t, string(ChunkFailed), rec.Failures[0].Status)
	// not a connection error, so no retry: 1 metadata + 4 chunk connections
	assert.Equal(t, int32(5), h.conn.connects.Load())
	assert.Equal(t, JobCompletedWithErrors, res.Status)
}

func TestDiscoversTablesWhenNoneListed(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{
		"orders":   {rows: idRows(2)},
		"archived": {rows: idRows(2)},
	}, 1)
	job := NewExportJob(nil)
	job.Exclude = []string{"archived"}

	res := h.coord.Run(context.Background(), job)

	require.Len(t, res.Records, 1)
	assert.Equal(t, "public.orders", res.Records[0].Table)
	assert.Equal(t, JobCompleted, res.Status)
}

func testPool(t *testing.T, conn *fakeConnector, retries int) (*Pool, *schema.ColumnSchema, string) {
	t.Helper()
	sink, err := formatters.GetSink(formatters.FormatJSONL, "none", 0)
	require.NoError(t, err)
	cs := &schema.ColumnSchema{Table: "public.orders", Columns: []schema.Column{
		{Name: "id", Type: schema.Int64},
		{Name: "name", Type: schema.String, Nullable: true},
	}}
	pool := NewPool(conn, sink, status.NewMemoryStore(), nil,
		PoolConfig{Workers: 2, MaxRetries: retries, RetryDelay: time.Millisecond}, newTestLogger())
	return pool, cs, t.TempDir()
}

func TestPoolRetriesConnectionErrors(t *testing.T) {
	conn := newFakeConnector(map[string]*fakeTable{"orders": {rows: idRows(5)}})
	conn.connectFailures.Store(2)
	pool, cs, dir := testPool(t, conn, 3)

	tasks := []ChunkTask{{Index: 0, Path: filepath.Join(dir, "part_00000.jsonl"), Query: source.ChunkQuery{Strategy: planner.StrategySingle}}}
	out := pool.Run(context.Background(), NewCancelToken(), "exp_test", source.Table{Schema: "public", Name: "orders"}, cs, tasks)

	require.Len(t, out, 1)
	assert.True(t, out[0].Success(), out[0].String())
	assert.Equal(t, 3, out[0].Attempts)
	assert.Equal(t, int64(5), out[0].Rows)
	assert.FileExists(t, tasks[0].Path)
}

func TestPoolGivesUpAfterMaxRetries(t *testing.T) {
	conn := newFakeConnector(map[string]*fakeTable{"orders": {rows: idRows(5)}})
	conn.connectFailures.Store(10)
	pool, cs, dir := testPool(t, conn, 1)

	path := filepath.Join(dir, "part_00000.jsonl")
	tasks := []ChunkTask{{Index: 0, Path: path, Query: source.ChunkQuery{Strategy: planner.StrategySingle}}}
	out := pool.Run(context.Background(), NewCancelToken(), "exp_test", source.Table{Schema: "public", Name: "orders"}, cs, tasks)

	assert.Equal(t, ChunkFailed, out[0].Status)
	assert.Equal(t, 2, out[0].Attempts)

	var qerr *ChunkQueryError
	require.ErrorAs(t, out[0].Err, &qerr)
	assert.Equal(t, 0, qerr.Index)
	assert.True(t, source.IsConnectionError(out[0].Err))
	assert.NoFileExists(t, path)
}

func TestPoolWriteErrorCarriesBounds(t *testing.T) {
	conn := newFakeConnector(map[string]*fakeTable{"orders": {rows: idRows(5)}})
	pool, cs, dir := testPool(t, conn, 0)

	path := filepath.Join(dir, "part_00000.jsonl")
	// a leftover partial file makes the sink refuse to create the chunk
	require.NoError(t, os.WriteFile(path+".partial", nil, 0o644))

	bounds := planner.Bounds{RowStart: 0, RowEnd: 5}
	tasks := []ChunkTask{{Index: 0, Path: path, Query: source.ChunkQuery{Strategy: planner.StrategyOffsetChunked, Bounds: bounds}}}
	out := pool.Run(context.Background(), NewCancelToken(), "exp_test", source.Table{Schema: "public", Name: "orders"}, cs, tasks)

	assert.Equal(t, ChunkFailed, out[0].Status)
	var werr *ChunkWriteError
	require.ErrorAs(t, out[0].Err, &werr)
	assert.Equal(t, bounds, werr.Bounds)
	assert.Equal(t, path, werr.Path)
	assert.Contains(t, werr.Error(), bounds.String())
	assert.Equal(t, int32(1), conn.closes.Load())
}

func TestPoolSkipsEverythingWhenAlreadyCancelled(t *testing.T) {
	conn := newFakeConnector(map[string]*fakeTable{"orders": {rows: idRows(5)}})
	pool, cs, dir := testPool(t, conn, 0)

	token := NewCancelToken()
	token.Cancel()
	tasks := []ChunkTask{
		{Index: 0, Path: filepath.Join(dir, "part_00000.jsonl")},
		{Index: 1, Path: filepath.Join(dir, "part_00001.jsonl")},
	}
	out := pool.Run(context.Background(), token, "exp_test", source.Table{Name: "orders"}, cs, tasks)

	for _, o := range out {
		assert.Equal(t, ChunkSkipped, o.Status)
		assert.False(t, o.Dispatched)
	}
	assert.Zero(t, conn.connects.Load())
}

func TestNewJobID(t *testing.T) {
	a, b := NewJobID(), NewJobID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^exp_[0-9a-z]{27}$`, a)
}

func TestPlanJobWritesNothing(t *testing.T) {
	h := newHarness(t, map[string]*fakeTable{
		"orders": {rows: idRows(40)},
		"broken": {columnsErr: errors.New("permission denied")},
	}, 1)
	job := NewExportJob([]string{"orders", "broken"})

	plans, err := h.coord.PlanJob(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Equal(t, "public.orders", plans[0].Table)
	assert.Equal(t, 2, plans[0].Columns)
	assert.Equal(t, int64(40), plans[0].RowCount)
	assert.Equal(t, planner.StrategyRangeChunked, plans[0].Plan.Strategy)
	assert.Len(t, plans[0].Plan.Chunks, 4)
	assert.Contains(t, plans[1].Error, "permission denied")

	assert.NoDirExists(t, h.temp)
	entries, err := h.store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
