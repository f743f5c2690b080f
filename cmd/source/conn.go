package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/airframesio/table-exporter/cmd/planner"
	"github.com/airframesio/table-exporter/cmd/schema"
)

// Table describes one source table. It is captured once per run and not mutated afterwards.
type Table struct {
	Schema         string `json:"schema"`
	Name           string `json:"name"`
	RowCount       int64  `json:"row_count"`
	EstimatedBytes int64  `json:"estimated_bytes"`
}

// QualifiedName returns schema.name, or just name for engines without schemas.
func (t Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ParseTable splits "schema.table" into a Table. A bare name gets defaultSchema.
func ParseTable(name, defaultSchema string) Table {
	if idx := strings.IndexByte(name, '.'); idx > 0 {
		return Table{Schema: name[:idx], Name: name[idx+1:]}
	}
	return Table{Schema: defaultSchema, Name: name}
}

// Conn is one open connection to the source database.
type Conn interface {
	schema.Catalog
	ListTables(ctx context.Context, schemaFilter string) ([]Table, error)
	RowCount(ctx context.Context, t Table) (int64, error)
	EstimateBytes(ctx context.Context, t Table) (int64, error)
	PrimaryKey(ctx context.Context, t Table) ([]string, error)
	// KeyRange returns nil when the column holds no non-null values.
	KeyRange(ctx context.Context, t Table, column string) (*planner.KeyRange, error)
	QueryChunk(ctx context.Context, t Table, cs *schema.ColumnSchema, q ChunkQuery) (RowIterator, error)
	Close() error
}

// Connector opens connections. Every call returns a connection of its own.
type Connector interface {
	Engine() string
	Connect(ctx context.Context) (Conn, error)
}

// SQLConnector opens database/sql connections limited to a single physical connection.
type SQLConnector struct {
	params  Params
	dialect Dialect
	logger  *slog.Logger
}

// NewConnector creates a connector for p.Engine
func NewConnector(p Params, logger *slog.Logger) (*SQLConnector, error) {
	dialect, err := DialectFor(p.Engine)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLConnector{
		params:  p,
		dialect: dialect,
		logger:  logger.With("component", "source"),
	}, nil
}

// Engine returns the source engine name.
func (c *SQLConnector) Engine() string {
	return c.dialect.Engine()
}

// Connect opens and pings a new connection.
func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	db, err := sql.Open(c.dialect.DriverName(), c.dialect.DSN(c.params))
	if err != nil {
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ConnectionError{Op: "ping", Err: err}
	}

	c.logger.Debug("connected", "engine", c.dialect.Engine(), "host", c.params.Host, "database", c.params.Database)
	return NewDB(db, c.dialect), nil
}

// DB implements Conn on top of a *sql.DB.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// NewDB wraps an open database handle
func NewDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Close closes the underlying handle.
func (c *DB) Close() error {
	return c.db.Close()
}

// ListTables lists base tables outside the system schemas, optionally within one schema.
func (c *DB) ListTables(ctx context.Context, schemaFilter string) ([]Table, error) {
	query, args := c.dialect.ListTablesQuery(schemaFilter)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// Columns returns the catalog columns of a table in ordinal order.
func (c *DB) Columns(ctx context.Context, schemaName, table string) ([]schema.NativeColumn, error) {
	query, args := c.dialect.ColumnsQuery(schemaName, table)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []schema.NativeColumn
	for rows.Next() {
		var col schema.NativeColumn
		if err := rows.Scan(&col.Name, &col.DataType, &col.Nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

// RowCount returns the exact row count of a table.
func (c *DB) RowCount(ctx context.Context, t Table) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", QualifiedIdent(c.dialect, t.Schema, t.Name)) //nolint:gosec // identifiers are quoted

	var count int64
	if err := c.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", t.QualifiedName(), err)
	}
	return count, nil
}

// EstimateBytes returns the on-disk size of a table, or 0 when the engine cannot tell.
func (c *DB) EstimateBytes(ctx context.Context, t Table) (int64, error) {
	query, args := c.dialect.SizeQuery(t.Schema, t.Name)
	if query == "" {
		return 0, nil
	}

	var size sql.NullInt64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to estimate size of %s: %w", t.QualifiedName(), err)
	}
	return size.Int64, nil
}

// PrimaryKey returns the primary key columns in key order.
func (c *DB) PrimaryKey(ctx context.Context, t Table) ([]string, error) {
	query, args := c.dialect.PrimaryKeyQuery(t.Schema, t.Name)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// KeyRange returns the min and max of an integer key column.
func (c *DB) KeyRange(ctx context.Context, t Table, column string) (*planner.KeyRange, error) {
	col := c.dialect.QuoteIdent(column)
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", col, col, QualifiedIdent(c.dialect, t.Schema, t.Name)) //nolint:gosec // identifiers are quoted

	var minVal, maxVal sql.NullInt64
	if err := c.db.QueryRowContext(ctx, query).Scan(&minVal, &maxVal); err != nil {
		return nil, fmt.Errorf("failed to read key range of %s.%s: %w", t.QualifiedName(), column, err)
	}
	if !minVal.Valid || !maxVal.Valid {
		return nil, nil
	}
	return &planner.KeyRange{Column: column, Min: minVal.Int64, Max: maxVal.Int64}, nil
}
