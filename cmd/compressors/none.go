package compressors

import "io"

type noneCodec struct{}

func (noneCodec) Name() string       { return "none" }
func (noneCodec) Extension() string  { return "" }
func (noneCodec) DefaultLevel() int  { return 0 }
func (noneCodec) Levels() (int, int) { return 0, 0 }

func (noneCodec) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return passthrough{w}, nil
}

func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type passthrough struct {
	io.Writer
}

func (passthrough) Close() error { return nil }
