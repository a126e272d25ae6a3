package piece

import "time"

// BlockState is the download state of a Block.
type BlockState uint8

// Block states. Transitions are monotonic except Requested -> NotRequested.
const (
	NotRequested BlockState = iota
	Requested
	Received
	Written
)

var blockStateStrings = [...]string{
	NotRequested: "not requested",
	Requested:    "requested",
	Received:     "received",
	Written:      "written",
}

func (s BlockState) String() string {
	if int(s) < len(blockStateStrings) {
		return blockStateStrings[s]
	}
	return "unknown"
}

// Block is part of a Piece that is requested from peers in a single request message.
type Block struct {
	Index  uint32 // index in piece
	Begin  uint32 // offset in piece
	Length uint32
	State  BlockState

	// Requesters are the peers that the block is currently requested from.
	// Contains at most one peer unless duplicate requests are allowed (endgame).
	Requesters  []Handle
	RequestedAt time.Time

	// ReceivedFrom is the peer that delivered the accepted data.
	ReceivedFrom Handle
}

// RequestedBy returns true if the block is currently requested from the peer.
func (b *Block) RequestedBy(h Handle) bool {
	for _, r := range b.Requesters {
		if r == h {
			return true
		}
	}
	return false
}

// Request marks the block as requested from the peer.
func (b *Block) Request(h Handle, now time.Time) {
	if b.State != NotRequested && b.State != Requested {
		panic("block is already received")
	}
	if b.RequestedBy(h) {
		panic("block is already requested from peer")
	}
	b.Requesters = append(b.Requesters, h)
	b.RequestedAt = now
	b.State = Requested
}

// Unrequest removes the peer from requesters.
// The block goes back to NotRequested state if there are no requesters left.
func (b *Block) Unrequest(h Handle) bool {
	for i, r := range b.Requesters {
		if r == h {
			b.Requesters = append(b.Requesters[:i], b.Requesters[i+1:]...)
			if len(b.Requesters) == 0 && b.State == Requested {
				b.State = NotRequested
				b.RequestedAt = time.Time{}
			}
			return true
		}
	}
	return false
}

// Receive marks the block as received from the peer.
// Returns other peers that the block was requested from.
func (b *Block) Receive(h Handle) (others []Handle) {
	for _, r := range b.Requesters {
		if r != h {
			others = append(others, r)
		}
	}
	b.Requesters = nil
	b.ReceivedFrom = h
	b.State = Received
	return others
}

// Write marks the block as written to disk.
func (b *Block) Write() {
	if b.State != Received {
		panic("block must be received before writing")
	}
	b.State = Written
}
