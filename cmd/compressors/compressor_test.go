package compressors

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestStreamRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("id,name\n1,ada\n2,grace\n", 200))

	for _, name := range []string{"zstd", "lz4", "gzip", "none"} {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressor(name)
			if err != nil {
				t.Fatalf("GetCompressor(%s): %v", name, err)
			}

			var buf bytes.Buffer
			w, err := c.NewWriter(&buf, c.DefaultLevel())
			if err != nil {
				t.Fatalf("NewWriter: %v", err)
			}
			if _, err := w.Write(payload); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			r, err := c.NewReader(&buf)
			if err != nil {
				t.Fatalf("NewReader: %v", err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestLevels(t *testing.T) {
	for _, name := range []string{"zstd", "lz4", "gzip"} {
		t.Run(name, func(t *testing.T) {
			c, err := GetCompressor(name)
			if err != nil {
				t.Fatal(err)
			}
			lo, hi := c.Levels()
			for level := lo; level <= hi; level++ {
				w, err := c.NewWriter(io.Discard, level)
				if err != nil {
					t.Fatalf("level %d rejected: %v", level, err)
				}
				_ = w.Close()
			}
			if _, err := c.NewWriter(io.Discard, hi+1); !errors.Is(err, ErrInvalidLevel) {
				t.Errorf("level %d: expected ErrInvalidLevel, got %v", hi+1, err)
			}
		})
	}
}

func TestFromFileName(t *testing.T) {
	tests := []struct {
		file  string
		codec string
		rest  string
	}{
		{"part_00001.csv.zst", "zstd", "part_00001.csv"},
		{"part_00001.jsonl.gz", "gzip", "part_00001.jsonl"},
		{"part_00001.csv.lz4", "lz4", "part_00001.csv"},
		{"part_00001.parquet", "none", "part_00001.parquet"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			c, rest := FromFileName(tt.file)
			if c.Name() != tt.codec || rest != tt.rest {
				t.Errorf("FromFileName(%q) = %s, %q; want %s, %q", tt.file, c.Name(), rest, tt.codec, tt.rest)
			}
		})
	}
}

func TestZstdDecoderReuse(t *testing.T) {
	c, _ := GetCompressor("zstd")
	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		w, _ := c.NewWriter(&buf, 0)
		_, _ = w.Write([]byte("reuse"))
		_ = w.Close()

		r, err := c.NewReader(&buf)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil || string(got) != "reuse" {
			t.Fatalf("round %d: got %q, %v", i, got, err)
		}
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGetCompressorUnsupported(t *testing.T) {
	_, err := GetCompressor("brotli")
	if !errors.Is(err, ErrUnsupportedCompression) {
		t.Errorf("expected ErrUnsupportedCompression, got %v", err)
	}
}
