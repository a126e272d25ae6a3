package piecepicker

import (
	"time"

	"github.com/cenkalti/rainwire/internal/piece"
)

// requestTable keeps track of the pieces that have requested blocks and the peers they are requested from.
// It is shared between picking strategies so switching the strategy does not lose any request.
type requestTable struct {
	layout piece.Layout

	// Pieces that have at least one requested or received block, in the order they are activated.
	active []*piece.Piece
	// Pieces that have all blocks received and waiting for hash check result.
	verifying map[uint32]*piece.Piece
	// Number of outstanding block requests per peer.
	counts map[Handle]int

	now func() time.Time
}

func newRequestTable(layout piece.Layout) *requestTable {
	return &requestTable{
		layout:    layout,
		verifying: make(map[uint32]*piece.Piece),
		counts:    make(map[Handle]int),
		now:       time.Now,
	}
}

func (t *requestTable) find(index uint32) (int, *piece.Piece) {
	for i, pi := range t.active {
		if pi.Index == index {
			return i, pi
		}
	}
	return -1, nil
}

// available returns true if the piece is neither being downloaded nor being verified.
func (t *requestTable) available(index uint32) bool {
	if _, ok := t.verifying[index]; ok {
		return false
	}
	_, pi := t.find(index)
	return pi == nil
}

func (t *requestTable) activate(index uint32, owner Handle) *piece.Piece {
	pi := piece.New(index, t.layout.Length(index))
	pi.Owner = owner
	t.active = append(t.active, pi)
	return pi
}

func (t *requestTable) remove(index uint32) {
	i, pi := t.find(index)
	if pi == nil {
		return
	}
	t.active = append(t.active[:i], t.active[i+1:]...)
}

// cleanup removes the piece from the table if it does not have any requested or received block.
func (t *requestTable) cleanup(pi *piece.Piece) {
	if pi.NumRequested() == 0 && pi.NumReceived() == 0 {
		t.remove(pi.Index)
	}
}

func (t *requestTable) request(h Handle, pi *piece.Piece, b *piece.Block) Request {
	b.Request(h, t.now())
	t.counts[h]++
	return Request{Index: pi.Index, Begin: b.Begin, Length: b.Length}
}

// requestBlocks requests unrequested blocks of the piece from the peer, up to count.
func (t *requestTable) requestBlocks(h Handle, pi *piece.Piece, count int, reqs []Request) []Request {
	for i := range pi.Blocks {
		if len(reqs) >= count {
			break
		}
		b := &pi.Blocks[i]
		if b.State != piece.NotRequested {
			continue
		}
		reqs = append(reqs, t.request(h, pi, b))
	}
	return reqs
}

func (t *requestTable) unrequest(h Handle, b *piece.Block) bool {
	if !b.Unrequest(h) {
		return false
	}
	t.decrement(h)
	return true
}

func (t *requestTable) decrement(h Handle) {
	n := t.counts[h] - 1
	if n <= 0 {
		delete(t.counts, h)
		return
	}
	t.counts[h] = n
}

// cancel releases all requests of the peer except the pieces for which keep returns true.
func (t *requestTable) cancel(h Handle, keep func(index uint32) bool) int {
	var n int
	// Iterate over a copy because cleanup may modify the active list.
	active := append([]*piece.Piece(nil), t.active...)
	for _, pi := range active {
		if keep != nil && keep(pi.Index) {
			continue
		}
		for i := range pi.Blocks {
			if t.unrequest(h, &pi.Blocks[i]) {
				n++
			}
		}
		if pi.Owner == h {
			pi.Owner = piece.NoPeer
		}
		t.cleanup(pi)
	}
	return n
}
