package unchoker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testPeer struct {
	name         string
	interested   bool
	choking      bool
	optimistic   bool
	downloadRate float64
	uploadRate   float64
	chokes       int
}

func (p *testPeer) Choke()                   { p.choking = true; p.chokes++ }
func (p *testPeer) Unchoke()                 { p.choking = false }
func (p *testPeer) Choking() bool            { return p.choking }
func (p *testPeer) Interested() bool         { return p.interested }
func (p *testPeer) Optimistic() bool         { return p.optimistic }
func (p *testPeer) SetOptimistic(value bool) { p.optimistic = value }
func (p *testPeer) DownloadRate() float64    { return p.downloadRate }
func (p *testPeer) UploadRate() float64      { return p.uploadRate }

func asPeers(testPeers ...*testPeer) []Peer {
	peers := make([]Peer, len(testPeers))
	for i := range testPeers {
		peers[i] = testPeers[i]
	}
	return peers
}

func newTestUnchoker() *Unchoker {
	return New(2, 1, rand.New(rand.NewSource(1))) // nolint: gosec
}

func TestTick(t *testing.T) {
	a := &testPeer{name: "a", interested: true, choking: true}
	b := &testPeer{name: "b", interested: true, choking: true, downloadRate: 2}
	c := &testPeer{name: "c", interested: true, choking: true, downloadRate: 4}
	d := &testPeer{name: "d", choking: true}
	peers := asPeers(a, b, c, d)
	u := newTestUnchoker()

	// Fastest 2 peers are unchoked and the only remaining interested peer is unchoked optimistically.
	u.Tick(peers, false)
	assert.False(t, c.choking)
	assert.False(t, b.choking)
	assert.False(t, a.choking)
	assert.True(t, a.optimistic)
	assert.True(t, d.choking)
	assert.Equal(t, 2, u.NumUnchoked())
	assert.Equal(t, 1, u.NumOptimistic())

	// Optimistic peer started uploading to us and takes a regular slot.
	a.downloadRate = 5
	u.Tick(peers, false)
	assert.False(t, a.choking)
	assert.False(t, a.optimistic)
	assert.False(t, c.choking)
	assert.True(t, b.choking)
	assert.Equal(t, 1, b.chokes)
	assert.Equal(t, 0, u.NumOptimistic())

	// Peers that are not interested are choked.
	c.interested = false
	u.Tick(peers, false)
	assert.True(t, c.choking)
	assert.False(t, a.choking)
	assert.False(t, b.choking)
	assert.True(t, d.choking)
}

func TestOptimisticKeptUntilRotation(t *testing.T) {
	var testPeers []*testPeer
	for i := 0; i < 5; i++ {
		testPeers = append(testPeers, &testPeer{interested: true, choking: true, downloadRate: float64(10 - i)})
	}
	peers := asPeers(testPeers...)
	u := newTestUnchoker()

	u.Tick(peers, false)
	var opt *testPeer
	for _, pe := range testPeers[2:] {
		if pe.optimistic {
			assert.Nil(t, opt)
			opt = pe
			assert.False(t, pe.choking)
		} else {
			assert.True(t, pe.choking)
		}
	}
	if assert.NotNil(t, opt) {
		u.Tick(peers, false)
		u.Tick(peers, false)
		assert.True(t, opt.optimistic)
		assert.False(t, opt.choking)
		assert.Equal(t, 0, opt.chokes)
	}
	assert.Equal(t, 2, u.NumUnchoked())
	assert.Equal(t, 1, u.NumOptimistic())
}

func TestSeedingRanksByUploadRate(t *testing.T) {
	a := &testPeer{interested: true, choking: true, downloadRate: 100}
	b := &testPeer{interested: true, choking: true, uploadRate: 2}
	c := &testPeer{interested: true, choking: true, uploadRate: 3}
	u := New(2, 0, nil)
	u.Tick(asPeers(a, b, c), true)
	assert.True(t, a.choking)
	assert.False(t, b.choking)
	assert.False(t, c.choking)
}

func TestFastUnchoke(t *testing.T) {
	u := newTestUnchoker()
	a := &testPeer{interested: true, choking: true}
	b := &testPeer{interested: true, choking: true}
	c := &testPeer{interested: true, choking: true}
	d := &testPeer{interested: true, choking: true}
	e := &testPeer{choking: true}
	u.FastUnchoke(e)
	assert.True(t, e.choking)
	for _, pe := range []*testPeer{a, b, c, d} {
		u.FastUnchoke(pe)
	}
	assert.False(t, a.choking)
	assert.False(t, b.choking)
	assert.False(t, c.choking)
	assert.True(t, c.optimistic)
	assert.True(t, d.choking)

	u.HandleDisconnect(a)
	u.FastUnchoke(d)
	assert.False(t, d.choking)
}
