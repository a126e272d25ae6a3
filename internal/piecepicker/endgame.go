package piecepicker

import "github.com/cenkalti/rainwire/internal/piece"

// endgameStrategy works like standardStrategy but also requests blocks that are already
// requested from other peers, so the last pieces are not held back by a slow peer.
type endgameStrategy struct {
	standardStrategy
	maxDuplicates int
}

func (s *endgameStrategy) name() string { return "endgame" }

func (s *endgameStrategy) pick(pe *Peer, others []*Peer, count int, r Range) []Request {
	reqs := s.standardStrategy.pick(pe, others, count, r)
	if len(reqs) >= count {
		return reqs
	}
	for _, pi := range s.table.active {
		if !hasPiece(pe, pi.Index) {
			continue
		}
		if pe.Choking && !(pe.FastEnabled && allowedFast(pe, pi.Index)) {
			continue
		}
		for i := range pi.Blocks {
			if len(reqs) >= count {
				return reqs
			}
			b := &pi.Blocks[i]
			if b.State != piece.Requested || b.RequestedBy(pe.Handle) || len(b.Requesters) >= s.maxDuplicates {
				continue
			}
			reqs = append(reqs, s.table.request(pe.Handle, pi, b))
		}
	}
	return reqs
}
