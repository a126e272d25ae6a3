package piecepicker

import (
	"github.com/cenkalti/rainwire/internal/bitfield"
	"github.com/cenkalti/rainwire/internal/piece"
)

// standardStrategy requests each block from a single peer.
// New pieces are selected by scanning the peer's bitfield for the longest run of missing pieces.
type standardStrategy struct {
	table *requestTable
	have  *bitfield.Bitfield
}

func (s *standardStrategy) name() string { return "standard" }

func (s *standardStrategy) pick(pe *Peer, others []*Peer, count int, r Range) []Request {
	// Continue pieces that are started on this peer.
	reqs := s.continueOwned(pe, count)
	if len(reqs) > 0 {
		return reqs
	}
	if pe.Choking {
		if pe.FastEnabled {
			return s.pickAllowedFast(pe, others, count)
		}
		return nil
	}
	if count == 1 {
		reqs = s.share(pe, others, count)
		if len(reqs) > 0 {
			return reqs
		}
	}
	reqs = s.pickSuggested(pe, count)
	if len(reqs) > 0 {
		return reqs
	}
	reqs = s.pickRun(pe, count, r)
	if len(reqs) > 0 {
		return reqs
	}
	return s.share(pe, others, count)
}

func (s *standardStrategy) continueOwned(pe *Peer, count int) []Request {
	var reqs []Request
	for _, pi := range s.table.active {
		if len(reqs) >= count {
			break
		}
		if pi.Owner != pe.Handle || !hasPiece(pe, pi.Index) {
			continue
		}
		if pe.Choking && !(pe.FastEnabled && allowedFast(pe, pi.Index)) {
			continue
		}
		reqs = s.table.requestBlocks(pe.Handle, pi, count, reqs)
	}
	return reqs
}

func (s *standardStrategy) pickAllowedFast(pe *Peer, others []*Peer, count int) []Request {
	if pe.AllowedFast == nil {
		return nil
	}
	var reqs []Request
	it := pe.AllowedFast.Iterator()
	for it.HasNext() && len(reqs) < count {
		index := it.Next()
		if !s.wanted(pe, index) {
			continue
		}
		if s.table.available(index) {
			pi := s.table.activate(index, pe.Handle)
			reqs = s.table.requestBlocks(pe.Handle, pi, count, reqs)
			continue
		}
		_, pi := s.table.find(index)
		if pi != nil && s.ownerReliable(pi, pe, others) {
			reqs = s.table.requestBlocks(pe.Handle, pi, count, reqs)
		}
	}
	return reqs
}

// share requests blocks of pieces that are being downloaded from other peers.
func (s *standardStrategy) share(pe *Peer, others []*Peer, count int) []Request {
	var reqs []Request
	for _, pi := range s.table.active {
		if len(reqs) >= count {
			break
		}
		if !hasPiece(pe, pi.Index) || pi.AllBlocksRequested() {
			continue
		}
		if !s.ownerReliable(pi, pe, others) {
			continue
		}
		if pi.Owner == piece.NoPeer {
			pi.Owner = pe.Handle
		}
		reqs = s.table.requestBlocks(pe.Handle, pi, count, reqs)
	}
	return reqs
}

func (s *standardStrategy) pickSuggested(pe *Peer, count int) []Request {
	if pe.Suggested == nil {
		return nil
	}
	var reqs []Request
	it := pe.Suggested.Iterator()
	for it.HasNext() && len(reqs) < count {
		index := it.Next()
		if !s.wanted(pe, index) || !s.table.available(index) {
			continue
		}
		pi := s.table.activate(index, pe.Handle)
		reqs = s.table.requestBlocks(pe.Handle, pi, count, reqs)
	}
	return reqs
}

// pickRun starts new pieces from the longest run of pieces that the peer has and we are missing.
// Ties are broken by choosing the first run.
func (s *standardStrategy) pickRun(pe *Peer, count int, r Range) []Request {
	var reqs []Request
	for len(reqs) < count {
		begin, length := s.longestRun(pe, r)
		if length == 0 {
			break
		}
		for i := begin; i < begin+length && len(reqs) < count; i++ {
			pi := s.table.activate(i, pe.Handle)
			reqs = s.table.requestBlocks(pe.Handle, pi, count, reqs)
		}
	}
	return reqs
}

func (s *standardStrategy) longestRun(pe *Peer, r Range) (begin, length uint32) {
	var runBegin, runLength uint32
	for i := r.Begin; i < r.End; i++ {
		if s.wanted(pe, i) && s.table.available(i) {
			if runLength == 0 {
				runBegin = i
			}
			runLength++
			if runLength > length {
				begin, length = runBegin, runLength
			}
			continue
		}
		runLength = 0
	}
	return
}

func (s *standardStrategy) wanted(pe *Peer, index uint32) bool {
	return index < s.table.layout.NumPieces && !s.have.Test(index) && hasPiece(pe, index)
}

// ownerReliable returns true if the peer that started the piece has not sent us corrupt data before.
func (s *standardStrategy) ownerReliable(pi *piece.Piece, pe *Peer, others []*Peer) bool {
	if pi.Owner == piece.NoPeer || pi.Owner == pe.Handle {
		return true
	}
	for _, o := range others {
		if o.Handle == pi.Owner {
			return o.RepeatedHashFails == 0
		}
	}
	return true
}

func hasPiece(pe *Peer, index uint32) bool {
	return pe.Bitfield != nil && index < pe.Bitfield.Len() && pe.Bitfield.Test(index)
}

func allowedFast(pe *Peer, index uint32) bool {
	return pe.AllowedFast != nil && pe.AllowedFast.Contains(index)
}
