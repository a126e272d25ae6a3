// Package bufferpool recycles fixed size byte buffers used for piece blocks.
package bufferpool

import (
	"sync"
	"sync/atomic"
)

// Pool is a wrapper around sync.Pool with a helper Release method on returned objects.
// Objects in the Pool are Buffers which are wrapper of a slice with a pointer to the Pool object.
type Pool struct {
	pool   sync.Pool
	buflen int
	inUse  int64
}

// New returns a new Pool for Buffers of size buflen.
func New(buflen int) *Pool {
	p := &Pool{buflen: buflen}
	p.pool.New = func() interface{} {
		b := make([]byte, buflen)
		return &b
	}
	return p
}

// BufferLength returns the fixed capacity of buffers in the pool.
func (p *Pool) BufferLength() int {
	return p.buflen
}

// Get a new Buffer from the pool. datalen must not exceed buffer length given in constructor.
// You should release the Buffer after your work is done by calling Buffer.Release.
func (p *Pool) Get(datalen int) Buffer {
	if datalen > p.buflen {
		panic("requested length is larger than the buffer length")
	}
	buf := p.pool.Get().(*[]byte)
	atomic.AddInt64(&p.inUse, 1)
	return Buffer{
		Data: (*buf)[:datalen],
		buf:  buf,
		pool: p,
	}
}

// InUse returns the number of buffers that are taken from the pool but not released yet.
func (p *Pool) InUse() int {
	return int(atomic.LoadInt64(&p.inUse))
}

// Buffer is a slice with a pointer to Pool.
type Buffer struct {
	Data []byte
	buf  *[]byte
	pool *Pool
}

// Release the Buffer and return it to the Pool.
// Releasing a zero Buffer is a no-op.
func (b Buffer) Release() {
	if b.pool == nil {
		return
	}
	atomic.AddInt64(&b.pool.inUse, -1)
	// argument to Put should be pointer-like to avoid allocations
	b.pool.pool.Put(b.buf)
}
