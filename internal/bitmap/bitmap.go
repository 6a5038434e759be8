// Package bitmap provides a fixed-size, bit-addressable byte region.
//
// The layout is byte-oriented with MSB-first bit order: bit 0 is the most
// significant bit of byte 0. That ordering matches the persisted seen-filter
// blobs, so Bytes/Load round-trips stay compatible across restarts.
package bitmap

import "fmt"

// Bitmap is a fixed-length region of addressable bits.
// It carries no synchronization; callers must serialize access.
type Bitmap struct {
	data []byte
}

// New returns a zeroed Bitmap of lengthBytes bytes (8*lengthBytes bits).
func New(lengthBytes int) *Bitmap {
	if lengthBytes <= 0 {
		panic(fmt.Sprintf("bitmap: invalid length %d bytes", lengthBytes))
	}
	return &Bitmap{data: make([]byte, lengthBytes)}
}

// Load builds a Bitmap over a copy of the given bytes.
func Load(b []byte) *Bitmap {
	if len(b) == 0 {
		panic("bitmap: cannot load empty byte slice")
	}
	data := make([]byte, len(b))
	copy(data, b)
	return &Bitmap{data: data}
}

// Len returns the number of addressable bits.
func (m *Bitmap) Len() int {
	return 8 * len(m.data)
}

// Get returns whether bit i is set. Out-of-range indices are a programming
// error and panic.
func (m *Bitmap) Get(i int) bool {
	m.check(i)
	return m.data[i>>3]&(1<<(7-uint(i)%8)) != 0
}

// Set assigns bit i.
func (m *Bitmap) Set(i int, v bool) {
	m.check(i)
	mask := byte(1) << (7 - uint(i)%8)
	if v {
		m.data[i>>3] |= mask
	} else {
		m.data[i>>3] &^= mask
	}
}

// Bytes returns a copy of the underlying byte region for serialization.
func (m *Bitmap) Bytes() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

func (m *Bitmap) check(i int) {
	if i < 0 || i >= m.Len() {
		panic(fmt.Sprintf("bitmap: index %d out of range [0, %d)", i, m.Len()))
	}
}
