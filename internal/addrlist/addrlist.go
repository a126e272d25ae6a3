// Package addrlist keeps the addresses of peers that are not connected yet.
package addrlist

import (
	"net"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/btree"
)

// AddrList contains peer addresses that are ready to be connected, in use and busy.
// Busy addresses have failed too many times and are parked until their backoff expires.
// Methods are not safe for concurrent use.
type AddrList struct {
	available *btree.BTree
	// All known addresses keyed by addr string
	addrs map[string]*peerAddr

	maxItems   int
	maxRetries int
	listenPort int
	seq        uint64

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// New returns a new AddrList.
// At most maxItems addresses are kept available for dialing.
// Addresses that failed more than maxRetries times are parked as busy.
func New(maxItems, maxRetries, listenPort int) *AddrList {
	return &AddrList{
		available:  btree.New(32),
		addrs:      make(map[string]*peerAddr),
		maxItems:   maxItems,
		maxRetries: maxRetries,
		listenPort: listenPort,
		now:        time.Now,
		newBackOff: newBackOff,
	}
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Minute
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 2 * time.Hour
	b.Reset()
	return b
}

// Len returns the number of addresses ready to be dialed.
func (d *AddrList) Len() int {
	return d.available.Len()
}

// Busy returns the number of parked addresses.
func (d *AddrList) Busy() int {
	var n int
	for _, p := range d.addrs {
		if p.state == busy {
			n++
		}
	}
	return n
}

// Push adds new addresses to the list. Known addresses are ignored.
func (d *AddrList) Push(addrs []*net.TCPAddr) {
	for _, ad := range addrs {
		// 0 port is invalid
		if ad.Port == 0 {
			continue
		}
		// Discard own client
		if ad.IP.IsLoopback() && ad.Port == d.listenPort {
			continue
		}
		key := ad.String()
		if _, ok := d.addrs[key]; ok {
			continue
		}
		p := &peerAddr{addr: ad, key: key}
		d.addrs[key] = p
		d.makeAvailable(p)
	}
	for d.available.Len() > d.maxItems {
		p := d.available.DeleteMax().(*peerAddr)
		delete(d.addrs, p.key)
	}
}

func (d *AddrList) makeAvailable(p *peerAddr) {
	d.seq++
	p.seq = d.seq
	p.state = available
	d.available.ReplaceOrInsert(p)
}

// Pop returns the next address to be dialed. Returns nil if there is no address available.
// Popped address must be given back with Return after the connection is closed.
func (d *AddrList) Pop() *net.TCPAddr {
	d.unpark()
	item := d.available.DeleteMin()
	if item == nil {
		return nil
	}
	p := item.(*peerAddr)
	p.state = inUse
	return p.addr
}

// unpark moves the busy addresses with expired backoff into available addresses.
func (d *AddrList) unpark() {
	now := d.now()
	for _, p := range d.addrs {
		if p.state == busy && !now.Before(p.busyUntil) {
			d.makeAvailable(p)
		}
	}
}

// Return gives back an address that is previously returned from Pop.
// If failed is true, the failure counter of the address is increased.
// Addresses that failed more than allowed are parked as busy with an exponential backoff.
// The address is forgotten when its backoff stops.
func (d *AddrList) Return(addr *net.TCPAddr, failed bool) {
	p, ok := d.addrs[addr.String()]
	if !ok || p.state != inUse {
		return
	}
	if !failed {
		p.failures = 0
		p.backoff = nil
		d.makeAvailable(p)
		return
	}
	p.failures++
	if p.failures <= d.maxRetries {
		d.makeAvailable(p)
		return
	}
	if p.backoff == nil {
		p.backoff = d.newBackOff()
	}
	wait := p.backoff.NextBackOff()
	if wait == backoff.Stop {
		delete(d.addrs, p.key)
		return
	}
	p.state = busy
	p.busyUntil = d.now().Add(wait)
}

// Failures returns the number of consecutive failures of the address.
func (d *AddrList) Failures(addr *net.TCPAddr) int {
	if p, ok := d.addrs[addr.String()]; ok {
		return p.failures
	}
	return 0
}
