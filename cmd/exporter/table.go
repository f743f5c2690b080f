package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/airframesio/table-exporter/cmd/formatters"
	"github.com/airframesio/table-exporter/cmd/organizer"
	"github.com/airframesio/table-exporter/cmd/planner"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
	"github.com/airframesio/table-exporter/cmd/status"
)

// ExportRecord is the per-table summary handed to the organizer.
type ExportRecord = organizer.ExportRecord

// TableOrchestrator drives one table from schema resolution to an ExportRecord.
type TableOrchestrator struct {
	connector source.Connector
	resolver  *schema.Resolver
	planner   *planner.Planner
	pool      *Pool
	sink      formatters.Sink
	store     status.Store
	observer  Observer
	tempRoot  string
	// keyColumns maps a qualified or bare table name to a configured partition key.
	keyColumns map[string]string
	logger     *slog.Logger
}

// preparedTable is everything learned on the metadata connection.
type preparedTable struct {
	table   source.Table
	schema  *schema.ColumnSchema
	key     *planner.KeyRange
	orderBy []string
}

// Export runs the table state machine. It always returns a record, including for failures.
func (o *TableOrchestrator) Export(ctx context.Context, token *CancelToken, jobID string, t source.Table) ExportRecord {
	name := t.QualifiedName()
	start := time.Now()
	rec := ExportRecord{Table: name, StartedAt: start.UTC()}
	logger := o.logger.With("table", name)

	finish := func(s TableStatus) ExportRecord {
		rec.Status = string(s)
		rec.Duration = time.Since(start)
		o.setStatus(ctx, jobID, name, s)
		return rec
	}

	o.setStatus(ctx, jobID, name, TablePending)
	if token.Cancelled() {
		return finish(TableCancelled)
	}

	prepared, err := o.prepare(ctx, t, logger)
	if err != nil {
		rec.Error = err.Error()
		o.recordError(ctx, jobID, name, err)
		logger.Error("table failed before export", "error", err)
		return finish(TableFailed)
	}
	o.setStatus(ctx, jobID, name, TableSchemaResolved)

	plan := o.planner.Plan(prepared.table.RowCount, prepared.table.EstimatedBytes, prepared.key)
	rec.Strategy = string(plan.Strategy)
	rec.KeyColumn = plan.KeyColumn
	rec.ChunkCount = len(plan.Chunks)
	for _, w := range plan.Warnings {
		logger.Warn(w)
	}
	o.setStatus(ctx, jobID, name, TablePlanned)
	o.observer.TablePlanned(jobID, name, plan)

	logger.Info("planned table",
		"strategy", plan.Strategy,
		"rows", humanize.Comma(prepared.table.RowCount),
		"size", humanize.IBytes(uint64(max(prepared.table.EstimatedBytes, 0))),
		"chunks", len(plan.Chunks))

	dir := organizer.TableTempDir(o.tempRoot, jobID, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		rec.Error = fmt.Sprintf("failed to create temp dir: %v", err)
		o.recordError(ctx, jobID, name, err)
		return finish(TableFailed)
	}

	tasks := make([]ChunkTask, len(plan.Chunks))
	for i, b := range plan.Chunks {
		tasks[i] = ChunkTask{
			Index: b.Index,
			Path:  filepath.Join(dir, formatters.ChunkFileName(b.Index, o.sink.Extension())),
			Query: source.ChunkQuery{
				Strategy:  plan.Strategy,
				Bounds:    b,
				KeyColumn: plan.KeyColumn,
				OrderBy:   prepared.orderBy,
			},
		}
	}

	if token.Cancelled() {
		return finish(TableCancelled)
	}
	o.setStatus(ctx, jobID, name, TableExporting)

	outcomes := o.pool.Run(ctx, token, jobID, prepared.table, prepared.schema, tasks)

	for i, out := range outcomes {
		switch out.Status {
		case ChunkSucceeded:
			rec.Files = append(rec.Files, filepath.Base(out.Path))
			rec.Rows += out.Rows
			rec.Bytes += out.Bytes
			rec.SucceededChunks++
		default:
			f := organizer.ChunkFailure{
				Index:  out.Index,
				Bounds: tasks[i].Query.Bounds.String(),
				Status: string(out.Status),
			}
			if out.Err != nil {
				f.Error = out.Err.Error()
			}
			rec.Failures = append(rec.Failures, f)
		}
	}

	final := aggregateTable(outcomes)
	logger.Info("table finished",
		"status", final,
		"rows", humanize.Comma(rec.Rows),
		"bytes", humanize.IBytes(uint64(rec.Bytes)),
		"chunks", fmt.Sprintf("%d/%d", rec.SucceededChunks, rec.ChunkCount))
	return finish(final)
}

// prepare uses one short-lived metadata connection, closed before any chunk is dispatched.
func (o *TableOrchestrator) prepare(ctx context.Context, t source.Table, logger *slog.Logger) (*preparedTable, error) {
	name := t.QualifiedName()

	conn, err := o.connector.Connect(ctx)
	if err != nil {
		return nil, &schema.SchemaError{Table: name, Err: err}
	}
	defer conn.Close()

	cs, err := o.resolver.Resolve(ctx, conn, t.Schema, t.Name)
	if err != nil {
		return nil, err
	}

	count, err := conn.RowCount(ctx, t)
	if err != nil {
		return nil, &schema.SchemaError{Table: name, Err: err}
	}
	t.RowCount = count

	size, err := conn.EstimateBytes(ctx, t)
	if err != nil {
		logger.Debug("size estimate unavailable", "error", err)
	}
	if size <= 0 {
		size = count * planner.BytesPerRowEstimate
	}
	t.EstimatedBytes = size

	pk, err := conn.PrimaryKey(ctx, t)
	if err != nil {
		logger.Debug("primary key unavailable", "error", err)
		pk = nil
	}

	prepared := &preparedTable{table: t, schema: cs, orderBy: pk}

	keyColumn := o.chooseKey(t, cs, pk, logger)
	threshold := o.planner.SingleFileThreshold
	if threshold <= 0 {
		threshold = planner.DefaultSingleFileThreshold
	}
	if keyColumn != "" && count >= threshold {
		kr, err := conn.KeyRange(ctx, t, keyColumn)
		if err != nil {
			logger.Warn("key range unavailable, falling back to offset chunking", "key", keyColumn, "error", err)
		} else {
			prepared.key = kr
		}
	}
	return prepared, nil
}

// chooseKey picks the partition key: a configured column, else a single integer primary key.
func (o *TableOrchestrator) chooseKey(t source.Table, cs *schema.ColumnSchema, pk []string, logger *slog.Logger) string {
	configured, ok := o.keyColumns[t.QualifiedName()]
	if !ok {
		configured, ok = o.keyColumns[t.Name]
	}
	if ok {
		col, found := cs.Column(configured)
		switch {
		case !found:
			logger.Warn("configured key column not found", "key", configured)
		case !col.Type.IsInteger():
			logger.Warn("configured key column is not an integer", "key", configured, "type", col.Type)
		default:
			return configured
		}
	}

	if len(pk) == 1 {
		if col, found := cs.Column(pk[0]); found && col.Type.IsInteger() {
			return col.Name
		}
	}
	return ""
}

func (o *TableOrchestrator) setStatus(ctx context.Context, jobID, table string, s TableStatus) {
	if err := o.store.SetStatus(context.WithoutCancel(ctx), status.TableEntity(jobID, table), string(s)); err != nil {
		o.logger.Warn("failed to update table status", "table", table, "status", s, "error", err)
	}
	o.observer.TableStatusChanged(jobID, table, s)
}

func (o *TableOrchestrator) recordError(ctx context.Context, jobID, table string, err error) {
	if recErr := o.store.RecordError(context.WithoutCancel(ctx), status.TableEntity(jobID, table), err.Error()); recErr != nil {
		o.logger.Warn("failed to record table error", "table", table, "error", recErr)
	}
}

// normalizeKeyColumns trims configured keys and drops empty entries.
func normalizeKeyColumns(keys map[string]string) map[string]string {
	return lo.MapEntries(lo.PickBy(keys, func(k, v string) bool {
		return strings.TrimSpace(k) != "" && strings.TrimSpace(v) != ""
	}), func(k, v string) (string, string) {
		return strings.TrimSpace(k), strings.TrimSpace(v)
	})
}
