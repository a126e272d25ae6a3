package piece

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNumBlocks(t *testing.T) {
	p := New(0, 2*BlockSize)
	assert.Equal(t, 2, p.NumBlocks())

	p = New(0, 2*BlockSize+42)
	assert.Equal(t, 3, p.NumBlocks())
}

func TestLayout(t *testing.T) {
	l := Layout{NumPieces: 3, PieceLength: 4 * BlockSize, TotalLength: 8*BlockSize + 100}
	assert.Equal(t, uint32(4*BlockSize), l.Length(0))
	assert.Equal(t, uint32(100), l.Length(2))
	assert.Equal(t, int64(8*BlockSize), l.Offset(2))
	assert.Panics(t, func() { l.Length(3) })
}

func TestFindBlock(t *testing.T) {
	p := New(1, 2*BlockSize+42)

	_, ok := p.FindBlock(55, BlockSize)
	assert.False(t, ok)

	_, ok = p.FindBlock(3*BlockSize, BlockSize)
	assert.False(t, ok)

	_, ok = p.FindBlock(0, 1234)
	assert.False(t, ok)

	b, ok := p.FindBlock(BlockSize, BlockSize)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), b.Index)

	b, ok = p.FindBlock(2*BlockSize, 42)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), b.Index)
	assert.Equal(t, uint32(42), b.Length)
}

func TestBlockTransitions(t *testing.T) {
	p := New(0, 2*BlockSize)
	now := time.Now()

	b := p.NextUnrequested()
	b.Request(1, now)
	assert.Equal(t, Requested, b.State)
	assert.True(t, b.RequestedBy(1))
	assert.Panics(t, func() { b.Request(1, now) })
	assert.False(t, p.AllBlocksRequested())

	assert.True(t, b.Unrequest(1))
	assert.Equal(t, NotRequested, b.State)
	assert.False(t, b.Unrequest(1))

	b.Request(1, now)
	b.Request(2, now)
	others := b.Receive(2)
	assert.Equal(t, []Handle{1}, others)
	assert.Equal(t, Received, b.State)
	assert.Nil(t, b.Requesters)

	b2 := p.NextUnrequested()
	b2.Request(3, now)
	assert.True(t, p.AllBlocksRequested())
	assert.Equal(t, 1, p.NumRequested())
	b2.Receive(3)
	assert.True(t, p.AllBlocksReceived())
	assert.False(t, p.AllBlocksWritten())
	assert.Equal(t, []Handle{2, 3}, p.Contributors())

	b.Write()
	b2.Write()
	assert.True(t, p.AllBlocksWritten())
	assert.Panics(t, func() { New(0, BlockSize).Blocks[0].Write() })
}
