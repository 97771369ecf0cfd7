// Package packet provides a bounds-checked, offset-addressed decoder over the
// raw notification payloads pushed by the sensor. Field layout is deliberately
// not baked in here: callers name the offsets, so a future packet variant only
// changes its call sites.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrOutOfBounds is returned when a read would extend past the end of the
// underlying buffer.
var ErrOutOfBounds = errors.New("read out of bounds")

// View is an immutable decoder over a single payload. It references the
// caller's buffer without copying, so a View is only valid for as long as the
// buffer is. All accessors validate offsets before touching the buffer.
type View struct {
	buf []byte
}

// NewView wraps buf in a View. A nil buffer yields a zero-length View whose
// accessors all fail with ErrOutOfBounds.
func NewView(buf []byte) View {
	return View{buf: buf}
}

// Len returns the length of the underlying buffer in bytes.
func (v View) Len() int { return len(v.buf) }

func (v View) check(off, width int) error {
	if off < 0 || off > len(v.buf)-width {
		return fmt.Errorf("%w: offset %d, width %d, buffer %d bytes", ErrOutOfBounds, off, width, len(v.buf))
	}
	return nil
}

// Uint8 reads the byte at off.
func (v View) Uint8(off int) (uint8, error) {
	if err := v.check(off, 1); err != nil {
		return 0, err
	}
	return v.buf[off], nil
}

// Uint32 reads a little-endian unsigned 32-bit integer at off.
func (v View) Uint32(off int) (uint32, error) {
	if err := v.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v.buf[off:]), nil
}

// Float32 reads a little-endian IEEE-754 binary32 value at off.
func (v View) Float32(off int) (float32, error) {
	bits, err := v.Uint32(off)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}
