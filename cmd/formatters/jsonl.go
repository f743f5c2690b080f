package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/airframesio/table-exporter/cmd/compressors"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
)

// JSONLSink writes one JSON object per row, keys in schema order
type JSONLSink struct {
	compressor compressors.Compressor
	level      int
}

// Extension returns the file extension for JSONL files
func (s *JSONLSink) Extension() string {
	return ".jsonl" + s.compressor.Extension()
}

// MIMEType returns the MIME type for JSONL
func (s *JSONLSink) MIMEType() string {
	return "application/x-ndjson"
}

// Create opens a new jsonl chunk file.
func (s *JSONLSink) Create(path string, cs *schema.ColumnSchema) (FileWriter, error) {
	out, err := createPartial(path)
	if err != nil {
		return nil, err
	}
	stream, err := s.compressor.NewWriter(out, s.level)
	if err != nil {
		out.discard()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	keys := make([][]byte, len(cs.Columns))
	for i, col := range cs.Columns {
		k, err := json.Marshal(col.Name)
		if err != nil {
			stream.Close()
			out.discard()
			return nil, err
		}
		keys[i] = k
	}

	return &jsonlFileWriter{
		out:     out,
		stream:  stream,
		buf:     bufio.NewWriter(stream),
		columns: cs.Columns,
		keys:    keys,
	}, nil
}

type jsonlFileWriter struct {
	out     *partialFile
	stream  io.WriteCloser
	buf     *bufio.Writer
	columns []schema.Column
	keys    [][]byte
	closed  bool
}

// WriteBatch encodes objects by hand since map keys would lose column order.
func (w *jsonlFileWriter) WriteBatch(rows []source.Row) (int64, error) {
	before := w.out.written
	for r, row := range rows {
		if len(row) != len(w.columns) {
			return 0, fmt.Errorf("row %d has %d values, schema has %d columns", r, len(row), len(w.columns))
		}
		w.buf.WriteByte('{')
		for i, col := range w.columns {
			if i > 0 {
				w.buf.WriteByte(',')
			}
			w.buf.Write(w.keys[i])
			w.buf.WriteByte(':')
			val, err := json.Marshal(textValue(col.Type, row[i]))
			if err != nil {
				return 0, fmt.Errorf("column %s: %w", col.Name, err)
			}
			w.buf.Write(val)
		}
		if _, err := w.buf.WriteString("}\n"); err != nil {
			return 0, err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write JSONL rows: %w", err)
	}
	return w.out.written - before, nil
}

func (w *jsonlFileWriter) Finalize() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.stream.Close()
		w.out.discard()
		return err
	}
	if err := w.stream.Close(); err != nil {
		w.out.discard()
		return fmt.Errorf("failed to close compressor: %w", err)
	}
	return w.out.commit()
}

func (w *jsonlFileWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.stream.Close()
	return w.out.discard()
}

func (w *jsonlFileWriter) Size() int64 {
	return w.out.written
}
