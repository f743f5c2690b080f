package exporter

import (
	"context"

	"github.com/airframesio/table-exporter/cmd/planner"
)

// TablePlan is the dry-run view of one table: what would be exported and how.
type TablePlan struct {
	Table          string       `json:"table"`
	Columns        int          `json:"columns"`
	RowCount       int64        `json:"row_count"`
	EstimatedBytes int64        `json:"estimated_bytes"`
	Plan           planner.Plan `json:"plan"`
	Error          string       `json:"error,omitempty"`
}

// PlanJob resolves and plans every table of job without writing files or touching the status
// store. A table that cannot be prepared is reported with Error set.
func (c *Coordinator) PlanJob(ctx context.Context, job *ExportJob) ([]TablePlan, error) {
	tables, err := c.resolveTables(ctx, job)
	if err != nil {
		return nil, err
	}

	plans := make([]TablePlan, 0, len(tables))
	for _, t := range tables {
		name := t.QualifiedName()
		tp := TablePlan{Table: name}

		prepared, err := c.tables.prepare(ctx, t, c.logger.With("table", name))
		if err != nil {
			tp.Error = err.Error()
			plans = append(plans, tp)
			continue
		}
		tp.Columns = prepared.schema.Len()
		tp.RowCount = prepared.table.RowCount
		tp.EstimatedBytes = prepared.table.EstimatedBytes
		tp.Plan = c.deps.Planner.Plan(prepared.table.RowCount, prepared.table.EstimatedBytes, prepared.key)
		plans = append(plans, tp)
	}
	return plans, nil
}
