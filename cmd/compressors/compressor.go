// Package compressors provides the stream codecs wrapped around csv and jsonl chunk files.
package compressors

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedCompression is returned for unknown codec names
	ErrUnsupportedCompression = errors.New("unsupported compression type")
	// ErrInvalidLevel is returned when a level is outside a codec's range
	ErrInvalidLevel = errors.New("invalid compression level")
)

// Compressor wraps the output and input streams of one chunk file.
type Compressor interface {
	Name() string
	// NewWriter returns a streaming compression writer. Closing it flushes the codec but does
	// not close w.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	// Extension is appended to the format extension, e.g. ".zst". Empty for none.
	Extension() string
	DefaultLevel() int
	// Levels is the inclusive range NewWriter accepts. 0 always selects DefaultLevel.
	Levels() (lowest, highest int)
}

var registry = map[string]Compressor{}

func register(c Compressor) {
	registry[c.Name()] = c
}

func init() {
	register(zstdCodec{})
	register(gzipCodec{})
	register(lz4Codec{})
	register(noneCodec{})
}

// GetCompressor returns the codec registered under name. An empty name means none.
func GetCompressor(name string) (Compressor, error) {
	if name == "" {
		name = "none"
	}
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, name)
	}
	return c, nil
}

// Names lists the registered codecs.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromFileName finds the codec whose extension ends name and returns name without it. Names
// without a codec extension report the none codec.
func FromFileName(name string) (Compressor, string) {
	for _, c := range registry {
		if ext := c.Extension(); ext != "" && strings.HasSuffix(name, ext) {
			return c, strings.TrimSuffix(name, ext)
		}
	}
	return registry["none"], name
}

// CheckLevel validates level for c.
func CheckLevel(c Compressor, level int) error {
	if level == 0 {
		return nil
	}
	lo, hi := c.Levels()
	if level < lo || level > hi {
		return fmt.Errorf("%w: %s accepts %d-%d, got %d", ErrInvalidLevel, c.Name(), lo, hi, level)
	}
	return nil
}

func resolveLevel(c Compressor, level int) (int, error) {
	if level == 0 {
		return c.DefaultLevel(), nil
	}
	return level, CheckLevel(c, level)
}
