package formatters

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/airframesio/table-exporter/cmd/compressors"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
)

// Format type constants
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
)

// partialSuffix marks files that are still being written
const partialSuffix = ".partial"

// ErrUnsupportedFormat is returned for unknown output formats
var ErrUnsupportedFormat = errors.New("unsupported output format")

// FileWriter writes one chunk file. Rows go to a temporary sibling until Finalize renames it
// into place; Abort removes it.
type FileWriter interface {
	// WriteBatch writes rows typed per the schema the writer was created with and returns
	// the bytes that reached disk during the call.
	WriteBatch(rows []source.Row) (int64, error)
	Finalize() error
	Abort() error
	// Size is the number of bytes on disk, final once Finalize returned.
	Size() int64
}

// Sink creates chunk files of one format.
type Sink interface {
	Create(path string, cs *schema.ColumnSchema) (FileWriter, error)
	// Extension returns the full file extension including compression (e.g. ".parquet", ".csv.zst")
	Extension() string
	MIMEType() string
}

// GetSink returns the sink for a format. Parquet compresses internally; csv and jsonl are
// wrapped in a stream compressor.
func GetSink(format, compression string, level int) (Sink, error) {
	switch format {
	case FormatParquet:
		codec, err := parquetCodec(compression)
		if err != nil {
			return nil, err
		}
		return &ParquetSink{compression: compression, codec: codec}, nil
	case FormatCSV, FormatJSONL:
		compressor, err := compressors.GetCompressor(compression)
		if err != nil {
			return nil, err
		}
		if level == 0 {
			level = compressor.DefaultLevel()
		}
		if format == FormatCSV {
			return &CSVSink{compressor: compressor, level: level}, nil
		}
		return &JSONLSink{compressor: compressor, level: level}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// UsesInternalCompression returns true if the format handles compression internally
func UsesInternalCompression(format string) bool {
	return format == FormatParquet
}

// ChunkFileName returns the deterministic file name of a chunk.
func ChunkFileName(index int, extension string) string {
	return fmt.Sprintf("part_%05d%s", index, extension)
}

// partialFile counts bytes written to path.partial and renames it to path on commit.
type partialFile struct {
	path    string
	file    *os.File
	written int64
}

func createPartial(path string) (*partialFile, error) {
	f, err := os.OpenFile(path+partialSuffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &partialFile{path: path, file: f}, nil
}

func (p *partialFile) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	p.written += int64(n)
	return n, err
}

func (p *partialFile) commit() error {
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return fmt.Errorf("failed to sync %s: %w", p.path, err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", p.path, err)
	}
	if err := os.Rename(p.path+partialSuffix, p.path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", p.path, err)
	}
	return nil
}

func (p *partialFile) discard() error {
	p.file.Close()
	if err := os.Remove(p.path + partialSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial file %s: %w", p.path, err)
	}
	return nil
}

// textValue renders a typed value for the csv and jsonl sinks.
func textValue(t schema.CanonicalType, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t == schema.Date {
			return val.Format("2006-01-02")
		}
		return val.Format(time.RFC3339Nano)
	case time.Duration:
		return formatTimeOfDay(val)
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	default:
		return v
	}
}

func textString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatTimeOfDay(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	if d == 0 {
		return fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, h, m, s, d/time.Microsecond)
}
