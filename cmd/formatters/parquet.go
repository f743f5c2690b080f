package formatters

import (
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
)

// ParquetSink writes parquet files whose schema comes from the resolved ColumnSchema, never
// from the rows themselves.
type ParquetSink struct {
	compression string
	codec       compress.Codec
}

// NewParquetSink creates a parquet sink, snappy compressed unless told otherwise
func NewParquetSink(compression string) (*ParquetSink, error) {
	if compression == "" {
		compression = "snappy"
	}
	codec, err := parquetCodec(compression)
	if err != nil {
		return nil, err
	}
	return &ParquetSink{compression: compression, codec: codec}, nil
}

func parquetCodec(compression string) (compress.Codec, error) {
	switch compression {
	case "zstd":
		return &parquet.Zstd, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "lz4":
		return &parquet.Lz4Raw, nil
	case "snappy", "":
		return &parquet.Snappy, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %s", compression)
	}
}

// Extension returns the file extension for Parquet files
func (s *ParquetSink) Extension() string {
	return ".parquet"
}

// MIMEType returns the MIME type for Parquet
func (s *ParquetSink) MIMEType() string {
	return "application/vnd.apache.parquet"
}

// BuildParquetSchema maps every canonical column to an optional parquet leaf.
func BuildParquetSchema(cs *schema.ColumnSchema) *parquet.Schema {
	group := make(parquet.Group, len(cs.Columns))
	for _, col := range cs.Columns {
		group[col.Name] = parquet.Optional(parquetNode(col.Type))
	}
	name := cs.Table
	if name == "" {
		name = "export"
	}
	return parquet.NewSchema(name, group)
}

func parquetNode(t schema.CanonicalType) parquet.Node {
	switch t {
	case schema.Int8:
		return parquet.Int(8)
	case schema.Int16:
		return parquet.Int(16)
	case schema.Int32:
		return parquet.Int(32)
	case schema.Int64:
		return parquet.Int(64)
	case schema.Float32:
		return parquet.Leaf(parquet.FloatType)
	case schema.Float64, schema.Decimal:
		return parquet.Leaf(parquet.DoubleType)
	case schema.Boolean:
		return parquet.Leaf(parquet.BooleanType)
	case schema.Date:
		return parquet.Date()
	case schema.Time:
		return parquet.Time(parquet.Microsecond)
	case schema.Timestamp:
		return parquet.Timestamp(parquet.Microsecond)
	case schema.Binary:
		return parquet.Leaf(parquet.ByteArrayType)
	default:
		return parquet.String()
	}
}

// Create opens a new parquet chunk file.
func (s *ParquetSink) Create(path string, cs *schema.ColumnSchema) (FileWriter, error) {
	pschema := BuildParquetSchema(cs)

	// parquet orders leaves by name, rows arrive in schema order
	leaves := make([]int, len(cs.Columns))
	for i, col := range cs.Columns {
		leaf, ok := pschema.Lookup(col.Name)
		if !ok {
			return nil, fmt.Errorf("column %s missing from parquet schema", col.Name)
		}
		leaves[i] = leaf.ColumnIndex
	}

	out, err := createPartial(path)
	if err != nil {
		return nil, err
	}

	return &parquetFileWriter{
		out:     out,
		writer:  parquet.NewWriter(out, pschema, parquet.Compression(s.codec)),
		columns: cs.Columns,
		leaves:  leaves,
	}, nil
}

type parquetFileWriter struct {
	out     *partialFile
	writer  *parquet.Writer
	columns []schema.Column
	leaves  []int
	closed  bool
}

func (w *parquetFileWriter) WriteBatch(rows []source.Row) (int64, error) {
	before := w.out.written

	batch := make([]parquet.Row, len(rows))
	for r, row := range rows {
		if len(row) != len(w.columns) {
			return 0, fmt.Errorf("row %d has %d values, schema has %d columns", r, len(row), len(w.columns))
		}
		prow := make(parquet.Row, len(w.columns))
		for i, col := range w.columns {
			leaf := w.leaves[i]
			if row[i] == nil {
				prow[leaf] = parquet.Value{}.Level(0, 0, leaf)
				continue
			}
			v, err := parquetValue(col.Type, row[i])
			if err != nil {
				return 0, fmt.Errorf("column %s: %w", col.Name, err)
			}
			prow[leaf] = v.Level(0, 1, leaf)
		}
		batch[r] = prow
	}

	if _, err := w.writer.WriteRows(batch); err != nil {
		return 0, fmt.Errorf("failed to write parquet rows: %w", err)
	}
	return w.out.written - before, nil
}

func (w *parquetFileWriter) Finalize() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Close(); err != nil {
		w.out.discard()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return w.out.commit()
}

func (w *parquetFileWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.out.discard()
}

func (w *parquetFileWriter) Size() int64 {
	return w.out.written
}

// parquetValue converts a typed row value to the physical type of its canonical column.
func parquetValue(t schema.CanonicalType, v any) (parquet.Value, error) {
	switch val := v.(type) {
	case int32:
		if t == schema.Int64 {
			return parquet.Int64Value(int64(val)), nil
		}
		return parquet.Int32Value(val), nil
	case int64:
		if t == schema.Int8 || t == schema.Int16 || t == schema.Int32 {
			return parquet.Int32Value(int32(val)), nil
		}
		return parquet.Int64Value(val), nil
	case float32:
		if t == schema.Float64 || t == schema.Decimal {
			return parquet.DoubleValue(float64(val)), nil
		}
		return parquet.FloatValue(val), nil
	case float64:
		if t == schema.Float32 {
			return parquet.FloatValue(float32(val)), nil
		}
		return parquet.DoubleValue(val), nil
	case bool:
		return parquet.BooleanValue(val), nil
	case string:
		return parquet.ByteArrayValue([]byte(val)), nil
	case []byte:
		return parquet.ByteArrayValue(val), nil
	case time.Time:
		if t == schema.Date {
			return parquet.Int32Value(daysSinceEpoch(val)), nil
		}
		return parquet.Int64Value(val.UnixMicro()), nil
	case time.Duration:
		return parquet.Int64Value(val.Microseconds()), nil
	default:
		return parquet.Value{}, fmt.Errorf("unsupported value type %T for %s", v, t)
	}
}

func daysSinceEpoch(t time.Time) int32 {
	secs := t.Unix()
	days := secs / 86400
	if secs%86400 < 0 {
		days--
	}
	return int32(days)
}
