// Package bitfield provides a fixed length bit-vector for tracking pieces.
package bitfield

import (
	"encoding/hex"
	"errors"
	"math/bits"
)

var (
	errInvalidLength = errors.New("invalid bitfield length")
	errSpareBits     = errors.New("spare bits are set in bitfield")
)

// Bitfield is a fixed length bit-vector. 0 is the most significant bit of the first byte.
// The length is set at construction and never changes.
type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits.
func New(length uint32) *Bitfield {
	return &Bitfield{
		b:      make([]byte, numBytes(length)),
		length: length,
	}
}

// NewBytes returns a new Bitfield from bytes received from a peer.
// Returns error if the number of bytes does not match the length or if the spare bits are set.
// Bytes in b are copied.
func NewBytes(b []byte, length uint32) (*Bitfield, error) {
	if uint32(len(b)) != numBytes(length) {
		return nil, errInvalidLength
	}
	if mod := length % 8; mod != 0 {
		if b[len(b)-1]&(0xff>>mod) != 0 {
			return nil, errSpareBits
		}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return &Bitfield{b: c, length: length}, nil
}

func numBytes(length uint32) uint32 {
	return (length + 7) / 8
}

// Copy returns a new copy of Bitfield.
func (b *Bitfield) Copy() *Bitfield {
	b2 := New(b.length)
	copy(b2.b, b.b)
	return b2
}

// Bytes returns bytes in b. If you modify the returned slice the bits in b are modified too.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits as given to New.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns bytes as string.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set bit i. Panics if i >= b.Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	b.b[i/8] |= 1 << (7 - i%8)
}

// SetTo sets bit i to value. Panics if i >= b.Len().
func (b *Bitfield) SetTo(i uint32, value bool) {
	if value {
		b.Set(i)
	} else {
		b.Clear(i)
	}
}

// SetAll sets all bits.
func (b *Bitfield) SetAll() {
	for i := range b.b {
		b.b[i] = 0xff
	}
	if mod := b.length % 8; mod != 0 {
		b.b[len(b.b)-1] &= ^(0xff >> mod)
	}
}

// Clear bit i. Panics if i >= b.Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	b.b[i/8] &= ^(1 << (7 - i%8))
}

// ClearAll clears all bits.
func (b *Bitfield) ClearAll() {
	for i := range b.b {
		b.b[i] = 0
	}
}

// Test bit i. Panics if i >= b.Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	return b.b[i/8]&(1<<(7-i%8)) != 0
}

// Count returns the count of set bits.
func (b *Bitfield) Count() uint32 {
	var total int
	for _, v := range b.b {
		total += bits.OnesCount8(v)
	}
	return uint32(total)
}

// All returns true if all bits are set, false otherwise.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

// Interested returns true if other has a piece that b does not have.
func (b *Bitfield) Interested(other *Bitfield) bool {
	for i := range b.b {
		if other.b[i]&^b.b[i] != 0 {
			return true
		}
	}
	return false
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("index out of bound")
	}
}
