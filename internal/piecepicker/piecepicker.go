// Package piecepicker decides which blocks to request from which peer and keeps track of the requests in flight.
package piecepicker

import (
	"errors"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cenkalti/rainwire/internal/bitfield"
	"github.com/cenkalti/rainwire/internal/piece"
)

/*

These are the things to consider when selecting a block for downloading:

  * Piece is done (hash checked)
  * Piece is being verified (all blocks received)
  * Peer has the piece
  * Peer is choking us
  * Piece is marked as allowed-fast or suggested by the peer
  * Piece is requested from another peer and whether that peer is reliable
  * Is endgame mode activated (few pieces are left)

Do not forget to re-check these when making changes.

*/

var (
	// ErrPieceNotActive is returned from Validate when there is no active download for the piece.
	ErrPieceNotActive = errors.New("piece is not being downloaded")
	// ErrBlockInvalid is returned from Validate when the offset and length do not match any block of the piece.
	ErrBlockInvalid = errors.New("received block is invalid")
	// ErrBlockDuplicate is returned from Validate when the block is already received.
	ErrBlockDuplicate = errors.New("received duplicate block")
	// ErrBlockNotRequested is returned from Validate when the block is not requested from the peer.
	ErrBlockNotRequested = errors.New("received not requested block")
)

// Handle identifies a peer in a torrent.
type Handle = piece.Handle

// Peer is the view of a peer connection that the picker needs for selecting pieces.
type Peer struct {
	Handle   Handle
	Bitfield *bitfield.Bitfield

	// Choking is true if the remote peer is choking us.
	Choking     bool
	FastEnabled bool

	// Pieces that the peer allows us to download while choked.
	AllowedFast *roaring.Bitmap
	// Pieces suggested by the peer.
	Suggested *roaring.Bitmap

	// RepeatedHashFails is the number of pieces that failed hash check with data from this peer.
	RepeatedHashFails int
}

// Request is a block request to be sent to a peer.
type Request struct {
	Index, Begin, Length uint32
}

// Cancelled is a request that is released by the picker.
type Cancelled struct {
	Peer Handle
	Request
}

// Validation is the result of a successful Validate call.
type Validation struct {
	Block piece.Block
	// PieceComplete is true if all blocks of the piece are received and the piece is moved to verifying state.
	PieceComplete bool
	// Duplicates are the other peers that the block was requested from.
	// Caller should send cancel messages to them.
	Duplicates []Handle
}

// Range is a piece index range.
// Begin is inclusive, End is exclusive.
type Range struct {
	Begin, End uint32
}

// Len returns the number of pieces in the range.
func (r Range) Len() int {
	return int(r.End) - int(r.Begin)
}

// Config for the Picker.
type Config struct {
	// Endgame mode is activated when the number of unverified pieces is below this value.
	EndgameThreshold int
	// Max number of peers a block can be requested from in endgame mode.
	MaxDuplicateRequests int
}

// DefaultConfig is used when zero values are given in Config.
var DefaultConfig = Config{
	EndgameThreshold:     15,
	MaxDuplicateRequests: 2,
}

// strategy is the algorithm for selecting blocks.
// Strategies share the same request table.
type strategy interface {
	pick(pe *Peer, others []*Peer, count int, r Range) []Request
	name() string
}

// Picker selects blocks to request from peers and validates received blocks against the requests.
// Methods are safe for concurrent use.
type Picker struct {
	m        sync.Mutex
	layout   piece.Layout
	have     *bitfield.Bitfield
	table    *requestTable
	strategy strategy
	endgame  bool
	config   Config
}

// New returns a new Picker.
// Bits of `have` are set when pieces are verified.
func New(layout piece.Layout, have *bitfield.Bitfield, cfg Config) *Picker {
	if cfg.EndgameThreshold == 0 {
		cfg.EndgameThreshold = DefaultConfig.EndgameThreshold
	}
	if cfg.MaxDuplicateRequests == 0 {
		cfg.MaxDuplicateRequests = DefaultConfig.MaxDuplicateRequests
	}
	p := &Picker{
		layout: layout,
		have:   have,
		table:  newRequestTable(layout),
		config: cfg,
	}
	p.strategy = &standardStrategy{table: p.table, have: have}
	p.checkEndgame()
	return p
}

func (p *Picker) checkEndgame() {
	if p.endgame {
		return
	}
	remaining := int(p.layout.NumPieces - p.have.Count())
	if remaining < p.config.EndgameThreshold {
		p.endgame = true
		p.strategy = &endgameStrategy{
			standardStrategy: standardStrategy{table: p.table, have: p.have},
			maxDuplicates:    p.config.MaxDuplicateRequests,
		}
	}
}

// Endgame returns true if the endgame mode is active.
func (p *Picker) Endgame() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.endgame
}

// Strategy returns the name of the active picking algorithm.
func (p *Picker) Strategy() string {
	p.m.Lock()
	defer p.m.Unlock()
	return p.strategy.name()
}

// Pick returns block requests to be sent to the peer, at most `count`.
// Pieces are selected from range `r` when starting a new piece.
// `others` is the list of other connected peers and used for checking the reliability of the piece owners.
func (p *Picker) Pick(pe *Peer, others []*Peer, count int, r Range) []Request {
	if count <= 0 {
		return nil
	}
	if r.End > p.layout.NumPieces || r.End == 0 {
		r.End = p.layout.NumPieces
	}
	p.m.Lock()
	defer p.m.Unlock()
	return p.strategy.pick(pe, others, count, r)
}

// Validate must be called when a block is received from the peer.
// Accepted block is marked as received. When all blocks of the piece are received,
// the piece is removed from active requests and waits for the hash check result.
func (p *Picker) Validate(h Handle, index, begin, length uint32) (Validation, error) {
	p.m.Lock()
	defer p.m.Unlock()
	var v Validation
	_, pi := p.table.find(index)
	if pi == nil {
		if pi, ok := p.table.verifying[index]; ok {
			if _, ok = pi.FindBlock(begin, length); ok {
				return v, ErrBlockDuplicate
			}
			return v, ErrBlockInvalid
		}
		return v, ErrPieceNotActive
	}
	b, ok := pi.FindBlock(begin, length)
	if !ok {
		return v, ErrBlockInvalid
	}
	if b.State >= piece.Received {
		return v, ErrBlockDuplicate
	}
	if !b.RequestedBy(h) {
		return v, ErrBlockNotRequested
	}
	others := b.Receive(h)
	p.table.decrement(h)
	for _, o := range others {
		p.table.decrement(o)
	}
	v.Block = *b
	v.Duplicates = others
	if pi.AllBlocksReceived() {
		p.table.remove(index)
		p.table.verifying[index] = pi
		v.PieceComplete = true
	}
	return v, nil
}

// BlockWritten must be called when the data of a received block is written to disk.
// Returns true if all blocks of a completely received piece are written.
func (p *Picker) BlockWritten(index, begin uint32) bool {
	p.m.Lock()
	defer p.m.Unlock()
	pi, verifying := p.table.verifying[index]
	if !verifying {
		_, pi = p.table.find(index)
		if pi == nil {
			return false
		}
	}
	b, ok := pi.GetBlock(begin / piece.BlockSize)
	if !ok || b.State != piece.Received {
		return false
	}
	b.Write()
	return verifying && pi.AllBlocksWritten()
}

// PieceVerified must be called with the result of the hash check of a completely written piece.
// Returns the peers that contributed data to the piece.
// If the hash check has failed, the piece can be picked again.
func (p *Picker) PieceVerified(index uint32, ok bool) []Handle {
	p.m.Lock()
	defer p.m.Unlock()
	pi, found := p.table.verifying[index]
	if !found {
		return nil
	}
	delete(p.table.verifying, index)
	if ok {
		p.have.Set(index)
		p.checkEndgame()
	}
	return pi.Contributors()
}

// CancelAll releases all requests of the peer. Must be called when the peer disconnects.
// Returns the number of released requests.
func (p *Picker) CancelAll(h Handle) int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.table.cancel(h, nil)
}

// CancelChoked releases the requests of the peer except the pieces that keep returns true for.
// Must be called when a peer supporting fast extension chokes us.
func (p *Picker) CancelChoked(h Handle, keep func(index uint32) bool) int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.table.cancel(h, keep)
}

// CancelOne releases a single block request of the peer.
// Returns false if the block is not requested from the peer.
func (p *Picker) CancelOne(h Handle, index, begin, length uint32) bool {
	p.m.Lock()
	defer p.m.Unlock()
	_, pi := p.table.find(index)
	if pi == nil {
		return false
	}
	b, ok := pi.FindBlock(begin, length)
	if !ok {
		return false
	}
	if !p.table.unrequest(h, b) {
		return false
	}
	p.table.cleanup(pi)
	return true
}

// CancelTimedOut releases requests that are not responded in `timeout`.
// Caller should send cancel messages for the returned requests.
func (p *Picker) CancelTimedOut(timeout time.Duration, now time.Time) []Cancelled {
	p.m.Lock()
	defer p.m.Unlock()
	var ret []Cancelled
	active := append([]*piece.Piece(nil), p.table.active...)
	for _, pi := range active {
		for i := range pi.Blocks {
			b := &pi.Blocks[i]
			if b.State != piece.Requested || now.Sub(b.RequestedAt) <= timeout {
				continue
			}
			for _, h := range append([]Handle(nil), b.Requesters...) {
				p.table.unrequest(h, b)
				ret = append(ret, Cancelled{
					Peer:    h,
					Request: Request{Index: pi.Index, Begin: b.Begin, Length: b.Length},
				})
			}
		}
		p.table.cleanup(pi)
	}
	return ret
}

// CurrentRequestCount returns the number of outstanding block requests of the peer.
func (p *Picker) CurrentRequestCount(h Handle) int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.table.counts[h]
}

// ActivePieces returns the indexes of pieces that are being downloaded.
func (p *Picker) ActivePieces() []uint32 {
	p.m.Lock()
	defer p.m.Unlock()
	ret := make([]uint32, len(p.table.active))
	for i, pi := range p.table.active {
		ret[i] = pi.Index
	}
	return ret
}

// BlockState returns the state of the block at offset `begin` of piece `index` and the peers it is requested from.
// Pieces that are not active are reported as not requested.
func (p *Picker) BlockState(index, begin uint32) (piece.BlockState, []Handle) {
	p.m.Lock()
	defer p.m.Unlock()
	pi, ok := p.table.verifying[index]
	if !ok {
		_, pi = p.table.find(index)
	}
	if pi == nil {
		return piece.NotRequested, nil
	}
	b, ok := pi.GetBlock(begin / piece.BlockSize)
	if !ok {
		return piece.NotRequested, nil
	}
	return b.State, append([]Handle(nil), b.Requesters...)
}
