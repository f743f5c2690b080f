package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/airframesio/table-exporter/cmd/planner"
	"github.com/airframesio/table-exporter/cmd/schema"
)

// DefaultBatchSize is the number of rows returned by one RowIterator.Next call
const DefaultBatchSize = 10_000

// ChunkQuery selects the rows of one chunk.
type ChunkQuery struct {
	Strategy  planner.Strategy
	Bounds    planner.Bounds
	KeyColumn string
	// OrderBy gives offset-chunked queries a stable order. Empty means order by every
	// orderable column position.
	OrderBy   []string
	BatchSize int
}

// Row holds one record's values in schema column order. Values are nil or one of
// int32, int64, float32, float64, string, bool, time.Time, time.Duration and []byte.
type Row []any

// RowIterator streams typed row batches. Next returns io.EOF once the result is drained.
type RowIterator interface {
	Next() ([]Row, error)
	Close() error
}

// BuildChunkSQL renders the bounded SELECT for one chunk.
func BuildChunkSQL(d Dialect, t Table, cs *schema.ColumnSchema, q ChunkQuery) (string, []any) {
	cols := make([]string, len(cs.Columns))
	for i, col := range cs.Columns {
		cols[i] = d.SelectColumn(col)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(cols, ", "), QualifiedIdent(d, t.Schema, t.Name))

	var args []any
	switch q.Strategy {
	case planner.StrategyRangeChunked:
		key := d.QuoteIdent(q.KeyColumn)
		b := q.Bounds
		var conds []string
		if b.HasLow {
			args = append(args, b.KeyLow)
			conds = append(conds, fmt.Sprintf("%s >= %s", key, d.Placeholder(len(args))))
		}
		if b.HasHigh {
			args = append(args, b.KeyHigh)
			conds = append(conds, fmt.Sprintf("%s < %s", key, d.Placeholder(len(args))))
		}
		if len(conds) > 0 {
			where := strings.Join(conds, " AND ")
			if b.IncludeNulls {
				where = fmt.Sprintf("(%s OR %s IS NULL)", where, key)
			}
			sb.WriteString(" WHERE " + where)
		}

	case planner.StrategyOffsetChunked:
		var order []string
		if len(q.OrderBy) > 0 {
			for _, name := range q.OrderBy {
				order = append(order, d.QuoteIdent(name))
			}
		} else {
			for i, col := range cs.Columns {
				if col.Orderable() {
					order = append(order, strconv.Itoa(i+1))
				}
			}
		}
		if len(order) > 0 {
			sb.WriteString(" ORDER BY " + strings.Join(order, ", "))
		}
		fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", q.Bounds.Limit(), q.Bounds.Offset())

	case planner.StrategySingle:
	}

	return sb.String(), args
}

// QueryChunk runs the chunk query and returns an iterator typed by cs.
func (c *DB) QueryChunk(ctx context.Context, t Table, cs *schema.ColumnSchema, q ChunkQuery) (RowIterator, error) {
	query, args := BuildChunkSQL(c.dialect, t, cs, q)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk query failed: %w", err)
	}
	return NewRowIterator(rows, cs, q.BatchSize)
}

// NewRowIterator wraps rows whose columns are exactly cs, in order.
func NewRowIterator(rows *sql.Rows, cs *schema.ColumnSchema, batchSize int) (RowIterator, error) {
	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	if len(names) != cs.Len() {
		rows.Close()
		return nil, fmt.Errorf("result has %d columns, schema has %d", len(names), cs.Len())
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	it := &sqlRowIterator{
		rows:      rows,
		dests:     make([]any, cs.Len()),
		getters:   make([]func() (any, error), cs.Len()),
		batchSize: batchSize,
	}
	for i, col := range cs.Columns {
		it.dests[i], it.getters[i] = scanTarget(col.Type)
	}
	return it, nil
}

type sqlRowIterator struct {
	rows      *sql.Rows
	dests     []any
	getters   []func() (any, error)
	batchSize int
	done      bool
}

func (it *sqlRowIterator) Next() ([]Row, error) {
	if it.done {
		return nil, io.EOF
	}

	batch := make([]Row, 0, it.batchSize)
	for len(batch) < it.batchSize {
		if !it.rows.Next() {
			it.done = true
			if err := it.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		if err := it.rows.Scan(it.dests...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(it.getters))
		for i, get := range it.getters {
			v, err := get()
			if err != nil {
				return nil, fmt.Errorf("failed to scan row: %w", err)
			}
			row[i] = v
		}
		batch = append(batch, row)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (it *sqlRowIterator) Close() error {
	return it.rows.Close()
}

// ErrValueOutOfRange is returned when a value does not fit its column's canonical type.
var ErrValueOutOfRange = errors.New("value out of range")

var intRanges = map[schema.CanonicalType][2]int64{
	schema.Int8:  {math.MinInt8, math.MaxInt8},
	schema.Int16: {math.MinInt16, math.MaxInt16},
	schema.Int32: {math.MinInt32, math.MaxInt32},
}

// scanTarget returns the scan destination for a canonical type and a getter for its value.
func scanTarget(t schema.CanonicalType) (any, func() (any, error)) {
	switch t {
	case schema.Int8, schema.Int16, schema.Int32:
		bounds := intRanges[t]
		v := new(sql.NullInt64)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			if v.Int64 < bounds[0] || v.Int64 > bounds[1] {
				return nil, fmt.Errorf("%w: %d does not fit %s", ErrValueOutOfRange, v.Int64, t)
			}
			return int32(v.Int64), nil
		}
	case schema.Int64:
		v := new(sql.NullInt64)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			return v.Int64, nil
		}
	case schema.Float32:
		v := new(sql.NullFloat64)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			return float32(v.Float64), nil
		}
	case schema.Float64, schema.Decimal:
		v := new(sql.NullFloat64)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			return v.Float64, nil
		}
	case schema.Boolean:
		v := new(sql.NullBool)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			return v.Bool, nil
		}
	case schema.Date, schema.Timestamp:
		v := new(nullTimestamp)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			return v.Time, nil
		}
	case schema.Time:
		v := new(nullTimeOfDay)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			return v.Duration, nil
		}
	case schema.Binary:
		v := new([]byte)
		return v, func() (any, error) {
			if *v == nil {
				return nil, nil
			}
			return *v, nil
		}
	default:
		v := new(sql.NullString)
		return v, func() (any, error) {
			if !v.Valid {
				return nil, nil
			}
			return v.String, nil
		}
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// nullTimestamp scans dates and timestamps returned as time.Time, text or unix seconds.
type nullTimestamp struct {
	Time  time.Time
	Valid bool
}

func (n *nullTimestamp) Scan(src any) error {
	n.Time, n.Valid = time.Time{}, false
	switch v := src.(type) {
	case nil:
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case int64:
		n.Time, n.Valid = time.Unix(v, 0).UTC(), true
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (n *nullTimestamp) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse %q as timestamp", s)
}

// nullTimeOfDay scans time-of-day values into the duration since midnight.
type nullTimeOfDay struct {
	Duration time.Duration
	Valid    bool
}

func (n *nullTimeOfDay) Scan(src any) error {
	n.Duration, n.Valid = 0, false
	switch v := src.(type) {
	case nil:
		return nil
	case time.Time:
		h, m, s := v.Clock()
		n.Duration = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
			time.Duration(s)*time.Second + time.Duration(v.Nanosecond())
		n.Valid = true
		return nil
	case []byte:
		return n.parse(string(v))
	case string:
		return n.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into time of day", src)
	}
}

// parse accepts [-]H+:MM:SS[.fraction][zone]; mysql TIME may exceed 24h.
func (n *nullTimeOfDay) parse(s string) error {
	s = strings.TrimSpace(s)
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("cannot parse %q as time of day", s)
	}
	secPart := parts[2]
	if idx := strings.IndexAny(secPart, "+-Z"); idx >= 0 {
		secPart = secPart[:idx]
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("invalid hours in %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("invalid minutes in %q: %w", s, err)
	}
	seconds, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return fmt.Errorf("invalid seconds in %q: %w", s, err)
	}

	d := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	if negative {
		d = -d
	}
	n.Duration, n.Valid = d, true
	return nil
}
