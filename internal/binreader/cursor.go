// Package binreader provides an endian-aware cursor over a block of bytes read
// from a file. Shapefile headers mix big- and little-endian words, so every
// read names its byte order explicitly.
package binreader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Cursor reads fixed-width values from a byte slice. The first out-of-range
// read sets a sticky error; later reads return zero values, so a decoder can
// issue a run of reads and check Err once.
type Cursor struct {
	buf []byte
	pos int
	err error
}

// New returns a cursor positioned at the start of buf.
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// ReadBlock reads exactly n bytes at off from r and returns a cursor over them.
// A short read is reported as io.ErrUnexpectedEOF.
func ReadBlock(r io.ReaderAt, off int64, n int) (*Cursor, error) {
	if n < 0 {
		return nil, fmt.Errorf("binreader: negative block length %d", n)
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, off)
	if read == n {
		return New(buf), nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("binreader: read %d bytes at %d: %w", n, off, err)
}

// Err returns the first error encountered.
func (c *Cursor) Err() error { return c.err }

// Len returns the size of the underlying buffer.
func (c *Cursor) Len() int { return len(c.buf) }

// Pos returns the current offset.
func (c *Cursor) Pos() int { return c.pos }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Seek moves the cursor to an absolute offset.
func (c *Cursor) Seek(pos int) {
	if c.err != nil {
		return
	}
	if pos < 0 || pos > len(c.buf) {
		c.fail(pos - c.pos)
		return
	}
	c.pos = pos
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n int) {
	c.take(n)
}

// Bytes returns the next n bytes. The slice aliases the cursor's buffer.
func (c *Cursor) Bytes(n int) []byte {
	return c.take(n)
}

// Uint8 reads one byte.
func (c *Cursor) Uint8() uint8 {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16LE reads a little-endian uint16.
func (c *Cursor) Uint16LE() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// Uint32LE reads a little-endian uint32.
func (c *Cursor) Uint32LE() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Int32LE reads a little-endian int32.
func (c *Cursor) Int32LE() int32 {
	return int32(c.Uint32LE())
}

// Int32BE reads a big-endian int32.
func (c *Cursor) Int32BE() int32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// Uint64LE reads a little-endian uint64.
func (c *Cursor) Uint64LE() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Float64LE reads a little-endian IEEE 754 double.
func (c *Cursor) Float64LE() float64 {
	return math.Float64frombits(c.Uint64LE())
}

// Float64sLE fills dst with consecutive little-endian doubles.
func (c *Cursor) Float64sLE(dst []float64) {
	b := c.take(8 * len(dst))
	if b == nil {
		return
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
}

func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.buf)-c.pos {
		c.fail(n)
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *Cursor) fail(n int) {
	c.err = fmt.Errorf("binreader: read of %d bytes at offset %d exceeds buffer of %d: %w",
		n, c.pos, len(c.buf), io.ErrUnexpectedEOF)
}
