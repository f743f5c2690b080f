package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Levels maps levels 1-9 onto the frame compression levels; 1 is the fast compressor.
var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

type lz4Codec struct{}

func (lz4Codec) Name() string       { return "lz4" }
func (lz4Codec) Extension() string  { return ".lz4" }
func (lz4Codec) DefaultLevel() int  { return 1 }
func (lz4Codec) Levels() (int, int) { return 1, len(lz4Levels) }

func (c lz4Codec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	level, err := resolveLevel(c, level)
	if err != nil {
		return nil, err
	}
	lw := lz4.NewWriter(w)
	if err := lw.Apply(lz4.CompressionLevelOption(lz4Levels[level-1])); err != nil {
		return nil, fmt.Errorf("lz4 writer: %w", err)
	}
	return lw, nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
