package txbuilder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrFieldOverflow is returned when a value does not fit its declared width.
var ErrFieldOverflow = errors.New("field overflows declared width")

// Layout serializes instruction data: fixed-width little-endian fields
// followed by u32-length-prefixed variable fields. The first error sticks
// and Bytes refuses to return a partially written buffer.
type Layout struct {
	buf []byte
	err error
}

func NewLayout(discriminator uint8) *Layout {
	return &Layout{buf: []byte{discriminator}}
}

func (l *Layout) fail(field string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("%s: %w", field, err)
	}
}

// Uint writes v in width bytes (1, 2, 4 or 8), failing if v does not fit.
func (l *Layout) Uint(field string, width int, v uint64) *Layout {
	if l.err != nil {
		return l
	}
	var max uint64
	switch width {
	case 1:
		max = math.MaxUint8
	case 2:
		max = math.MaxUint16
	case 4:
		max = math.MaxUint32
	case 8:
		max = math.MaxUint64
	default:
		l.fail(field, fmt.Errorf("unsupported width %d", width))
		return l
	}
	if v > max {
		l.fail(field, fmt.Errorf("%w: %d > %d", ErrFieldOverflow, v, max))
		return l
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	l.buf = append(l.buf, tmp[:width]...)
	return l
}

// Int writes a signed value in width bytes, two's complement.
func (l *Layout) Int(field string, width int, v int64) *Layout {
	if l.err != nil {
		return l
	}
	var lo, hi int64
	switch width {
	case 4:
		lo, hi = math.MinInt32, math.MaxInt32
	case 8:
		lo, hi = math.MinInt64, math.MaxInt64
	default:
		l.fail(field, fmt.Errorf("unsupported width %d", width))
		return l
	}
	if v < lo || v > hi {
		l.fail(field, fmt.Errorf("%w: %d", ErrFieldOverflow, v))
		return l
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	l.buf = append(l.buf, tmp[:width]...)
	return l
}

// Fixed writes exactly n bytes.
func (l *Layout) Fixed(field string, n int, b []byte) *Layout {
	if l.err != nil {
		return l
	}
	if len(b) != n {
		l.fail(field, fmt.Errorf("%w: want %d bytes, got %d", ErrFieldOverflow, n, len(b)))
		return l
	}
	l.buf = append(l.buf, b...)
	return l
}

// Var writes a u32 length prefix followed by b. max bounds the payload.
func (l *Layout) Var(field string, max int, b []byte) *Layout {
	if l.err != nil {
		return l
	}
	if len(b) > max || uint64(len(b)) > math.MaxUint32 {
		l.fail(field, fmt.Errorf("%w: %d bytes > %d", ErrFieldOverflow, len(b), max))
		return l
	}
	l.Uint(field, 4, uint64(len(b)))
	l.buf = append(l.buf, b...)
	return l
}

func (l *Layout) Bytes() ([]byte, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.buf, nil
}
