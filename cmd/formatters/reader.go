package formatters

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/airframesio/table-exporter/cmd/compressors"
)

// FileStats summarizes a finished chunk file.
type FileStats struct {
	Rows    int64
	Columns []string
}

// DetectFormat derives format and stream compression from a chunk file name such as
// part_00000.csv.zst. Parquet files report an empty compression.
func DetectFormat(name string) (format, compression string, err error) {
	codec, name := compressors.FromFileName(name)
	compression = codec.Name()
	switch {
	case strings.HasSuffix(name, ".parquet") && compression == "none":
		return FormatParquet, "", nil
	case strings.HasSuffix(name, ".csv"):
		return FormatCSV, compression, nil
	case strings.HasSuffix(name, ".jsonl"):
		return FormatJSONL, compression, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Inspect reads a chunk file back and reports its row count and column names. Columns are
// in file order for csv and jsonl, and in leaf order for parquet.
func Inspect(path, format, compression string) (FileStats, error) {
	switch format {
	case FormatParquet:
		return inspectParquet(path)
	case FormatCSV, FormatJSONL:
	default:
		return FileStats{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	compressor, err := compressors.GetCompressor(compression)
	if err != nil {
		return FileStats{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return FileStats{}, err
	}
	defer f.Close()

	r, err := compressor.NewReader(f)
	if err != nil {
		return FileStats{}, fmt.Errorf("failed to open decompressor: %w", err)
	}
	defer r.Close()

	if format == FormatCSV {
		return inspectCSV(r)
	}
	return inspectJSONL(r)
}

func inspectParquet(path string) (FileStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileStats{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileStats{}, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return FileStats{}, fmt.Errorf("failed to open parquet file: %w", err)
	}

	stats := FileStats{Rows: pf.NumRows()}
	for _, path := range pf.Schema().Columns() {
		if len(path) > 0 {
			stats.Columns = append(stats.Columns, path[len(path)-1])
		}
	}
	return stats, nil
}

func inspectCSV(r io.Reader) (FileStats, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return FileStats{}, nil
	}
	if err != nil {
		return FileStats{}, fmt.Errorf("failed to read CSV header: %w", err)
	}

	stats := FileStats{Columns: header}
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read CSV record: %w", err)
		}
		stats.Rows++
	}
	return stats, nil
}

func inspectJSONL(r io.Reader) (FileStats, error) {
	var stats FileStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if stats.Rows == 0 {
			cols, err := jsonKeys(line)
			if err != nil {
				return stats, err
			}
			stats.Columns = cols
		} else if !json.Valid(line) {
			return stats, fmt.Errorf("invalid JSON on line %d", stats.Rows+1)
		}
		stats.Rows++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("scanner error: %w", err)
	}
	return stats, nil
}

// jsonKeys returns the keys of a JSON object in document order.
func jsonKeys(line []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("failed to parse JSON line: expected object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("failed to parse JSON line: bad key")
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
	}
	return keys, nil
}
