package formatters

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/airframesio/table-exporter/cmd/compressors"
	"github.com/airframesio/table-exporter/cmd/schema"
	"github.com/airframesio/table-exporter/cmd/source"
)

// CSVSink writes a header row in schema order followed by one record per row
type CSVSink struct {
	compressor compressors.Compressor
	level      int
}

// Extension returns the file extension for CSV files
func (s *CSVSink) Extension() string {
	return ".csv" + s.compressor.Extension()
}

// MIMEType returns the MIME type for CSV
func (s *CSVSink) MIMEType() string {
	return "text/csv"
}

// Create opens a new csv chunk file and writes its header.
func (s *CSVSink) Create(path string, cs *schema.ColumnSchema) (FileWriter, error) {
	out, err := createPartial(path)
	if err != nil {
		return nil, err
	}
	stream, err := s.compressor.NewWriter(out, s.level)
	if err != nil {
		out.discard()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	w := &csvFileWriter{
		out:     out,
		stream:  stream,
		writer:  csv.NewWriter(stream),
		columns: cs.Columns,
	}
	if err := w.writer.Write(cs.Names()); err != nil {
		w.Abort()
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	return w, nil
}

type csvFileWriter struct {
	out     *partialFile
	stream  io.WriteCloser
	writer  *csv.Writer
	columns []schema.Column
	closed  bool
}

func (w *csvFileWriter) WriteBatch(rows []source.Row) (int64, error) {
	before := w.out.written
	record := make([]string, len(w.columns))
	for r, row := range rows {
		if len(row) != len(w.columns) {
			return 0, fmt.Errorf("row %d has %d values, schema has %d columns", r, len(row), len(w.columns))
		}
		for i, col := range w.columns {
			record[i] = textString(textValue(col.Type, row[i]))
		}
		if err := w.writer.Write(record); err != nil {
			return 0, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return 0, fmt.Errorf("CSV writer error: %w", err)
	}
	return w.out.written - before, nil
}

func (w *csvFileWriter) Finalize() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.stream.Close()
		w.out.discard()
		return fmt.Errorf("CSV writer error: %w", err)
	}
	if err := w.stream.Close(); err != nil {
		w.out.discard()
		return fmt.Errorf("failed to close compressor: %w", err)
	}
	return w.out.commit()
}

func (w *csvFileWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.stream.Close()
	return w.out.discard()
}

func (w *csvFileWriter) Size() int64 {
	return w.out.written
}
