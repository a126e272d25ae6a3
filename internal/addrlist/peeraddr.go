package addrlist

import (
	"net"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/btree"
)

type addrState int

const (
	available addrState = iota
	inUse
	busy
)

type peerAddr struct {
	addr  *net.TCPAddr
	key   string
	state addrState
	// Number of consecutive connection failures.
	failures int
	// Insertion order among addresses with the same failure count.
	seq uint64

	busyUntil time.Time
	backoff   backoff.BackOff
}

var _ btree.Item = (*peerAddr)(nil)

// Less orders addresses by failure count first, so reliable addresses are dialed before others.
func (p *peerAddr) Less(than btree.Item) bool {
	o := than.(*peerAddr)
	if p.failures != o.failures {
		return p.failures < o.failures
	}
	return p.seq < o.seq
}
