package exporter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/airframesio/table-exporter/cmd/planner"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTable is an in-memory table with an integer "id" primary key and a text "name".
type fakeTable struct {
	rows       []source.Row
	columnsErr error
}

func idRows(n int) []source.Row {
	rows := make([]source.Row, n)
	for i := range rows {
		rows[i] = source.Row{int64(i + 1), "row"}
	}
	return rows
}

// fakeConnector hands out fakeConns over a shared set of tables.
type fakeConnector struct {
	tables map[string]*fakeTable

	// connectFailures is the number of Connect calls that fail with a connection error.
	connectFailures atomic.Int32
	// queryErr fails QueryChunk for chunks whose RowStart matches.
	queryErr map[int64]error

	connects atomic.Int32
	closes   atomic.Int32
}

func newFakeConnector(tables map[string]*fakeTable) *fakeConnector {
	return &fakeConnector{tables: tables, queryErr: map[int64]error{}}
}

func (f *fakeConnector) Engine() string { return schema.EnginePostgres }

func (f *fakeConnector) Connect(context.Context) (source.Conn, error) {
	f.connects.Add(1)
	if f.connectFailures.Load() > 0 {
		f.connectFailures.Add(-1)
		return nil, &source.ConnectionError{Op: "ping", Err: errors.New("connection refused")}
	}
	return &fakeConn{f: f}, nil
}

type fakeConn struct {
	f      *fakeConnector
	closed sync.Once
}

func (c *fakeConn) table(name string) (*fakeTable, error) {
	t, ok := c.f.tables[name]
	if !ok {
		return nil, errors.New("relation does not exist")
	}
	return t, nil
}

func (c *fakeConn) Columns(_ context.Context, _, table string) ([]schema.NativeColumn, error) {
	t, ok := c.f.tables[table]
	if !ok {
		return nil, nil
	}
	if t.columnsErr != nil {
		return nil, t.columnsErr
	}
	return []schema.NativeColumn{
		{Name: "id", DataType: "int8"},
		{Name: "name", DataType: "text", Nullable: true},
	}, nil
}

func (c *fakeConn) ListTables(context.Context, string) ([]source.Table, error) {
	var out []source.Table
	for name := range c.f.tables {
		out = append(out, source.Table{Schema: "public", Name: name})
	}
	return out, nil
}

func (c *fakeConn) RowCount(_ context.Context, t source.Table) (int64, error) {
	ft, err := c.table(t.Name)
	if err != nil {
		return 0, err
	}
	return int64(len(ft.rows)), nil
}

func (c *fakeConn) EstimateBytes(context.Context, source.Table) (int64, error) { return 0, nil }

func (c *fakeConn) PrimaryKey(context.Context, source.Table) ([]string, error) {
	return []string{"id"}, nil
}

func (c *fakeConn) KeyRange(_ context.Context, t source.Table, column string) (*planner.KeyRange, error) {
	ft, err := c.table(t.Name)
	if err != nil || len(ft.rows) == 0 {
		return nil, err
	}
	kr := &planner.KeyRange{Column: column, Min: ft.rows[0][0].(int64), Max: ft.rows[0][0].(int64)}
	for _, r := range ft.rows {
		v := r[0].(int64)
		kr.Min, kr.Max = min(kr.Min, v), max(kr.Max, v)
	}
	return kr, nil
}

func (c *fakeConn) QueryChunk(_ context.Context, t source.Table, _ *schema.ColumnSchema, q source.ChunkQuery) (source.RowIterator, error) {
	if err, ok := c.f.queryErr[q.Bounds.RowStart]; ok {
		return nil, err
	}
	ft, err := c.table(t.Name)
	if err != nil {
		return nil, err
	}

	var rows []source.Row
	switch q.Strategy {
	case planner.StrategyOffsetChunked:
		end := min(q.Bounds.RowEnd, int64(len(ft.rows)))
		if q.Bounds.RowStart < end {
			rows = ft.rows[q.Bounds.RowStart:end]
		}
	case planner.StrategyRangeChunked:
		b := q.Bounds
		for _, r := range ft.rows {
			k := r[0].(int64)
			if (!b.HasLow || k >= b.KeyLow) && (!b.HasHigh || k < b.KeyHigh) {
				rows = append(rows, r)
			}
		}
	default:
		rows = ft.rows
	}
	return &sliceIterator{rows: rows, batch: max(q.BatchSize, 7)}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Do(func() { c.f.closes.Add(1) })
	return nil
}

type sliceIterator struct {
	rows  []source.Row
	batch int
	pos   int
}

func (it *sliceIterator) Next() ([]source.Row, error) {
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	end := min(it.pos+it.batch, len(it.rows))
	out := it.rows[it.pos:end]
	it.pos = end
	return out, nil
}

func (it *sliceIterator) Close() error { return nil }

// hookObserver records callbacks and runs onChunk for every finished chunk.
type hookObserver struct {
	mu      sync.Mutex
	jobs    []JobStatus
	tables  map[string][]TableStatus
	chunks  []ChunkOutcome
	onChunk func(table string, o ChunkOutcome)
}

func newHookObserver() *hookObserver {
	return &hookObserver{tables: map[string][]TableStatus{}}
}

func (h *hookObserver) JobStatusChanged(_ string, s JobStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, s)
}

func (h *hookObserver) TableStatusChanged(_ string, table string, s TableStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tables[table] = append(h.tables[table], s)
}

func (h *hookObserver) TablePlanned(string, string, planner.Plan) {}

func (h *hookObserver) ChunkFinished(_ string, table string, o ChunkOutcome) {
	h.mu.Lock()
	h.chunks = append(h.chunks, o)
	hook := h.onChunk
	h.mu.Unlock()
	if hook != nil {
		hook(table, o)
	}
}
