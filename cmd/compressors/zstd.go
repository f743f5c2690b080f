package compressors

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec encodes with one goroutine per stream. Chunk workers already run in parallel.
type zstdCodec struct{}

// decoders are reused across files; verify opens one per chunk.
var decoders = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return err
		}
		return d
	},
}

func (zstdCodec) Name() string       { return "zstd" }
func (zstdCodec) Extension() string  { return ".zst" }
func (zstdCodec) DefaultLevel() int  { return 3 }
func (zstdCodec) Levels() (int, int) { return 1, 22 }

func (c zstdCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	level, err := resolveLevel(c, level)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc, nil
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch d := decoders.Get().(type) {
	case *zstd.Decoder:
		if err := d.Reset(r); err != nil {
			decoders.Put(d)
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return &pooledDecoder{Decoder: d}, nil
	case error:
		return nil, fmt.Errorf("zstd decoder: %w", d)
	default:
		return nil, fmt.Errorf("zstd decoder: unexpected pool value %T", d)
	}
}

// pooledDecoder returns its decoder to the pool on Close.
type pooledDecoder struct {
	*zstd.Decoder
	once sync.Once
}

func (p *pooledDecoder) Close() error {
	p.once.Do(func() {
		// drop the reference to the source before pooling
		_ = p.Decoder.Reset(nil)
		decoders.Put(p.Decoder)
	})
	return nil
}
