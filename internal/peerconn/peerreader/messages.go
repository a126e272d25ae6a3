package peerreader

import (
	"github.com/cenkalti/rainwire/internal/bufferpool"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
)

// Piece message that is read from peers.
// Data of the piece is wrapped with a bufferpool.Buffer object.
// Receiver must release the Buffer.
type Piece struct {
	peerprotocol.PieceMessage
	Buffer bufferpool.Buffer
}

// Length of the block data.
func (p Piece) Length() uint32 {
	return uint32(len(p.Buffer.Data))
}
