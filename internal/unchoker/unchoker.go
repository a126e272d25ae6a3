// Package unchoker decides which peers are allowed to download from us.
package unchoker

import (
	"math/rand"
	"sort"
	"time"
)

// Peer of a torrent.
type Peer interface {
	// Choke must roll back the queued piece messages before sending the choke message.
	Choke()
	Unchoke()

	// Choking returns choke status of local peer.
	Choking() bool

	// Interested returns interest status of remote peer.
	Interested() bool

	// SetOptimistic sets the optimistic unchoke status of peer.
	SetOptimistic(value bool)
	// Optimistic returns the value previously set by SetOptimistic.
	Optimistic() bool

	// Rates are in bytes per second.
	DownloadRate() float64
	UploadRate() float64
}

// Unchoker implements tit-for-tat: peers that give us the best rates are unchoked.
// Additional slots are given to random peers to discover better ones.
type Unchoker struct {
	slots           int
	optimisticSlots int

	// Optimistic unchoked peers are rotated at every 3rd round.
	round int
	rnd   *rand.Rand

	unchoked   map[Peer]struct{}
	optimistic map[Peer]struct{}
}

// New returns a new Unchoker. If rnd is nil, a time seeded source is used.
func New(slots, optimisticSlots int, rnd *rand.Rand) *Unchoker {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano())) // nolint: gosec
	}
	return &Unchoker{
		slots:           slots,
		optimisticSlots: optimisticSlots,
		rnd:             rnd,
		unchoked:        make(map[Peer]struct{}, slots),
		optimistic:      make(map[Peer]struct{}, optimisticSlots),
	}
}

// HandleDisconnect must be called to remove the peer from internal indexes.
func (u *Unchoker) HandleDisconnect(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimistic, pe)
}

// NumUnchoked returns the number of peers unchoked by rate.
func (u *Unchoker) NumUnchoked() int { return len(u.unchoked) }

// NumOptimistic returns the number of peers unchoked optimistically.
func (u *Unchoker) NumOptimistic() int { return len(u.optimistic) }

// Tick must be called at every unchoke interval with all connected peers.
// When seeding, peers are ranked by the rate we upload to them instead of the rate they upload to us.
func (u *Unchoker) Tick(peers []Peer, seeding bool) {
	rotate := u.round == 0
	u.round = (u.round + 1) % 3

	candidates := make([]Peer, 0, len(peers))
	for _, pe := range peers {
		if pe.Interested() {
			candidates = append(candidates, pe)
		} else {
			u.choke(pe)
		}
	}
	rate := func(pe Peer) float64 {
		if seeding {
			return pe.UploadRate()
		}
		return pe.DownloadRate()
	}
	sort.SliceStable(candidates, func(i, j int) bool { return rate(candidates[i]) > rate(candidates[j]) })

	var rest []Peer
	var n int
	for _, pe := range candidates {
		if n < u.slots {
			u.unchoke(pe)
			n++
			continue
		}
		rest = append(rest, pe)
	}
	if rotate {
		for i := 0; i < u.optimisticSlots && len(rest) > 0; i++ {
			k := u.rnd.Intn(len(rest))
			pe := rest[k]
			u.unchokeOptimistic(pe)
			rest[k] = rest[len(rest)-1]
			rest = rest[:len(rest)-1]
		}
	}
	for _, pe := range rest {
		if !rotate && pe.Optimistic() {
			// Optimistic unchoke lasts until the next rotation.
			continue
		}
		u.choke(pe)
	}
}

func (u *Unchoker) choke(pe Peer) {
	delete(u.unchoked, pe)
	delete(u.optimistic, pe)
	if pe.Choking() {
		return
	}
	pe.SetOptimistic(false)
	pe.Choke()
}

func (u *Unchoker) unchoke(pe Peer) {
	if pe.Optimistic() {
		pe.SetOptimistic(false)
		delete(u.optimistic, pe)
	}
	u.unchoked[pe] = struct{}{}
	if pe.Choking() {
		pe.Unchoke()
	}
}

func (u *Unchoker) unchokeOptimistic(pe Peer) {
	delete(u.unchoked, pe)
	u.optimistic[pe] = struct{}{}
	pe.SetOptimistic(true)
	if pe.Choking() {
		pe.Unchoke()
	}
}

// FastUnchoke must be called when remote peer becomes interested.
// Remote peer is unchoked immediately if there are free slots.
// Without this, remote peer would have to wait for next unchoke round.
func (u *Unchoker) FastUnchoke(pe Peer) {
	if !pe.Choking() || !pe.Interested() {
		return
	}
	if len(u.unchoked) < u.slots {
		u.unchoke(pe)
		return
	}
	if len(u.optimistic) < u.optimisticSlots {
		u.unchokeOptimistic(pe)
	}
}
