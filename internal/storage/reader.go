// Package storage provides a small buffered byte reader used by the
// format codecs to peek at upcoming bytes before committing to a
// binary.Read, the way the original retro-media readers in this
// codebase do.
package storage

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// Reader wraps an io.Reader with peek support and a running byte
// offset, so codecs can report "at offset 0x1234" in error messages.
type Reader struct {
	br     *bufio.Reader
	offset int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Read implements io.Reader so *Reader can be passed to binary.Read.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	r.offset += int64(n)
	return n, err
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err == nil {
		r.offset++
	}
	return b, err
}

// Peek returns the next n bytes without advancing the reader.
func (r *Reader) Peek(n int) ([]byte, error) {
	return r.br.Peek(n)
}

// PeekByte peeks at the next single byte.
func (r *Reader) PeekByte() (byte, error) {
	b, err := r.br.Peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBytes reads exactly n bytes, failing with a wrapped error on
// short reads instead of silently returning a partial slice.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(err, "reading %d bytes at offset 0x%x", n, r.offset)
	}
	return buf, nil
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.offset
}
