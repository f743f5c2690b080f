package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrTableNotFound is returned when the catalog reports no columns for a table
var ErrTableNotFound = errors.New("table not found or has no columns")

// SchemaError means a table's metadata could not be read. It is fatal for that table only.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error for %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// NativeColumn is a column as reported by the source catalog, in ordinal order.
type NativeColumn struct {
	Name     string
	DataType string
	Nullable bool
}

// Catalog reads column metadata from a database's system catalog.
type Catalog interface {
	Columns(ctx context.Context, schemaName, table string) ([]NativeColumn, error)
}

// Resolver turns catalog metadata into a ColumnSchema for one engine.
type Resolver struct {
	engine  string
	mapping TypeMapping
	logger  *slog.Logger
}

// NewResolver creates a resolver for the given engine
func NewResolver(engine string, logger *slog.Logger) (*Resolver, error) {
	mapping, err := MappingFor(engine)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		engine:  engine,
		mapping: mapping,
		logger:  logger.With("component", "schema"),
	}, nil
}

// Resolve reads the column list of schemaName.table from the catalog. Sampled data is never
// consulted, so every caller sees the same types for an unchanged table.
func (r *Resolver) Resolve(ctx context.Context, catalog Catalog, schemaName, table string) (*ColumnSchema, error) {
	qualified := table
	if schemaName != "" {
		qualified = schemaName + "." + table
	}

	native, err := catalog.Columns(ctx, schemaName, table)
	if err != nil {
		return nil, &SchemaError{Table: qualified, Err: err}
	}
	if len(native) == 0 {
		return nil, &SchemaError{Table: qualified, Err: ErrTableNotFound}
	}

	cs := &ColumnSchema{
		Table:   qualified,
		Columns: make([]Column, 0, len(native)),
	}
	for _, nc := range native {
		canonical, known := r.mapping.Lookup(nc.DataType)
		if !known {
			r.logger.Warn("unmapped column type, exporting as string",
				"table", qualified,
				"column", nc.Name,
				"native_type", nc.DataType,
				"engine", r.engine)
		}
		cs.Columns = append(cs.Columns, Column{
			Name:       nc.Name,
			Type:       canonical,
			Nullable:   nc.Nullable,
			NativeType: nc.DataType,
		})
	}

	return cs, nil
}
