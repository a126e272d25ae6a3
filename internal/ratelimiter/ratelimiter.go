// Package ratelimiter limits the transfer speed of peer connections in fixed size chunks.
//
// Tokens in the bucket are refilled only when Tick is called, so all peers of a session
// are resumed in the order they were queued from the session's tick loop.
package ratelimiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// ChunkSize is the amount of data that a single token allows to be transferred.
const ChunkSize = 16 * 1024

// tickClock is a ratelimit.Clock that only advances when the limiter is ticked.
type tickClock struct {
	now time.Time
}

func (c *tickClock) Now() time.Time { return c.now }

// Sleep is never called because the limiter does not use blocking methods of the bucket.
func (c *tickClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

type waiter struct {
	chunks int64
	readyC chan struct{}
}

// Limiter is a token bucket of chunks shared by peer connections.
// The zero rate means unlimited.
type Limiter struct {
	m       sync.Mutex
	clock   *tickClock
	bucket  *ratelimit.Bucket
	waiters *list.List
}

// New returns a new Limiter that allows `rate` bytes per second.
// If rate is zero or negative, the Limiter does not limit.
// Rate is rounded down to a multiple of ChunkSize, and rates below ChunkSize allow one chunk per second.
func New(rate int64) *Limiter {
	l := &Limiter{
		waiters: list.New(),
	}
	if rate <= 0 {
		return l
	}
	chunksPerSecond := rate / ChunkSize
	if chunksPerSecond < 1 {
		chunksPerSecond = 1
	}
	l.clock = &tickClock{now: time.Unix(0, 0)}
	l.bucket = ratelimit.NewBucketWithRateAndClock(float64(chunksPerSecond), chunksPerSecond, l.clock)
	return l
}

// Unlimited returns true if the Limiter does not limit the rate.
func (l *Limiter) Unlimited() bool {
	return l.bucket == nil
}

// Chunks returns the number of chunks needed to transfer n bytes.
func Chunks(n int) int64 {
	return int64((n + ChunkSize - 1) / ChunkSize)
}

func (l *Limiter) chunks(n int) int64 {
	c := Chunks(n)
	if c > l.bucket.Capacity() {
		c = l.bucket.Capacity()
	}
	return c
}

// Wait blocks until n bytes are allowed to be transferred or the context is done.
// Callers are served in FIFO order.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l.bucket == nil {
		return nil
	}
	l.m.Lock()
	c := l.chunks(n)
	if l.waiters.Len() == 0 && l.bucket.Available() >= c {
		l.bucket.TakeAvailable(c)
		l.m.Unlock()
		return nil
	}
	w := &waiter{chunks: c, readyC: make(chan struct{})}
	e := l.waiters.PushBack(w)
	l.m.Unlock()

	select {
	case <-w.readyC:
		return nil
	case <-ctx.Done():
		l.m.Lock()
		defer l.m.Unlock()
		select {
		case <-w.readyC:
			// Tokens are already taken for us.
			return nil
		default:
		}
		l.waiters.Remove(e)
		return ctx.Err()
	}
}

// Tick refills the bucket for the elapsed duration and resumes the queued callers in order.
// Resuming stops at the first caller that cannot be served.
func (l *Limiter) Tick(elapsed time.Duration) {
	if l.bucket == nil {
		return
	}
	l.m.Lock()
	defer l.m.Unlock()
	l.clock.now = l.clock.now.Add(elapsed)
	for e := l.waiters.Front(); e != nil; e = l.waiters.Front() {
		w := e.Value.(*waiter)
		if l.bucket.Available() < w.chunks {
			break
		}
		l.bucket.TakeAvailable(w.chunks)
		l.waiters.Remove(e)
		close(w.readyC)
	}
}

// Available returns the number of chunks that can be taken without waiting.
func (l *Limiter) Available() int64 {
	if l.bucket == nil {
		return -1
	}
	l.m.Lock()
	defer l.m.Unlock()
	return l.bucket.Available()
}

// Queued returns the number of callers waiting in Wait.
func (l *Limiter) Queued() int {
	l.m.Lock()
	defer l.m.Unlock()
	return l.waiters.Len()
}
