package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitfield(t *testing.T) {
	v := New(10)
	assert.Equal(t, "0000", v.Hex())

	v.Set(0)
	assert.Equal(t, "8000", v.Hex())

	v.Set(9)
	assert.Equal(t, "8040", v.Hex())
	assert.Equal(t, uint32(2), v.Count())

	assert.Panics(t, func() { v.Set(10) })

	v.Clear(0)
	assert.Equal(t, "0040", v.Hex())
	assert.False(t, v.Test(2))
	assert.True(t, v.Test(9))

	v.SetAll()
	assert.Equal(t, "ffc0", v.Hex())
	assert.True(t, v.All())

	v.ClearAll()
	assert.Equal(t, uint32(0), v.Count())
}

func TestNewBytes(t *testing.T) {
	_, err := NewBytes([]byte{0xff}, 9)
	assert.Equal(t, errInvalidLength, err)

	_, err = NewBytes([]byte{0xff, 0xff}, 9)
	assert.Equal(t, errSpareBits, err)

	b := []byte{0x0f, 0x80}
	v, err := NewBytes(b, 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v.Count())
	b[0] = 0
	assert.True(t, v.Test(4), "bytes must be copied")
}

func TestInterested(t *testing.T) {
	ours := New(12)
	theirs := New(12)
	assert.False(t, ours.Interested(theirs))
	theirs.Set(11)
	assert.True(t, ours.Interested(theirs))
	ours.Set(11)
	assert.False(t, ours.Interested(theirs))

	c := ours.Copy()
	c.Clear(11)
	assert.True(t, ours.Test(11))
}
