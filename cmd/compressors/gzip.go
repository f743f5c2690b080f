package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

type gzipCodec struct{}

func (gzipCodec) Name() string       { return "gzip" }
func (gzipCodec) Extension() string  { return ".gz" }
func (gzipCodec) DefaultLevel() int  { return 6 }
func (gzipCodec) Levels() (int, int) { return gzip.BestSpeed, gzip.BestCompression }

func (c gzipCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	level, err := resolveLevel(c, level)
	if err != nil {
		return nil, err
	}
	gw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	return gw, nil
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	return gr, nil
}
