package txbuilder

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayout_FixedAndVariableFields(t *testing.T) {
	data, err := NewLayout(7).
		Uint("a", 1, 0xff).
		Uint("b", 2, 0x0102).
		Uint("c", 8, math.MaxUint64).
		Int("d", 8, -1).
		Var("e", 16, []byte("hi")).
		Bytes()
	require.NoError(t, err)

	want := []byte{7, 0xff, 0x02, 0x01}
	want = append(want, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	want = append(want, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	want = binary.LittleEndian.AppendUint32(want, 2)
	want = append(want, 'h', 'i')
	require.Equal(t, want, data)
}

func TestLayout_FailsClosedOnOverflow(t *testing.T) {
	cases := map[string]*Layout{
		"u8":    NewLayout(1).Uint("x", 1, 256),
		"u16":   NewLayout(1).Uint("x", 2, math.MaxUint16+1),
		"u32":   NewLayout(1).Uint("x", 4, math.MaxUint32+1),
		"i32":   NewLayout(1).Int("x", 4, math.MaxInt32+1),
		"fixed": NewLayout(1).Fixed("x", 32, make([]byte, 31)),
		"var":   NewLayout(1).Var("x", 4, []byte("12345")),
	}
	for name, l := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := l.Uint("after", 1, 1).Bytes()
			require.ErrorIs(t, err, ErrFieldOverflow)
			require.Nil(t, data)
		})
	}
}

func TestAppendCompactU16(t *testing.T) {
	require.Equal(t, []byte{0x00}, appendCompactU16(nil, 0))
	require.Equal(t, []byte{0x7f}, appendCompactU16(nil, 0x7f))
	require.Equal(t, []byte{0x80, 0x01}, appendCompactU16(nil, 0x80))
	require.Equal(t, []byte{0xff, 0xff, 0x03}, appendCompactU16(nil, 0xffff))
}

func FuzzLayoutUint(f *testing.F) {
	f.Add(uint64(0), 1)
	f.Add(uint64(70000), 2)
	f.Add(uint64(math.MaxUint64), 8)

	f.Fuzz(func(t *testing.T, v uint64, width int) {
		data, err := NewLayout(0).Uint("v", width, v).Bytes()
		if err != nil {
			return
		}
		if len(data) != 1+width {
			t.Fatalf("wrote %d bytes for width %d", len(data)-1, width)
		}
		var buf [8]byte
		copy(buf[:], data[1:])
		if got := binary.LittleEndian.Uint64(buf[:]); got != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	})
}
