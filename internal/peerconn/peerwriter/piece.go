package peerwriter

import (
	"encoding/binary"

	"github.com/cenkalti/rainwire/internal/peerprotocol"
)

// BlockReader reads the data of a block from storage.
type BlockReader func(index, begin, length uint32) ([]byte, error)

// Piece is a queued piece message. Data is read just before the message is sent.
type Piece struct {
	peerprotocol.RequestMessage
	Read BlockReader
}

// ID returns the peer protocol message type.
func (p Piece) ID() peerprotocol.MessageID { return peerprotocol.Piece }

// MarshalBinary reads the block data and returns the message payload.
func (p Piece) MarshalBinary() ([]byte, error) {
	data, err := p.Read(p.Index, p.Begin, p.Length)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(b[0:4], p.Index)
	binary.BigEndian.PutUint32(b[4:8], p.Begin)
	copy(b[8:], data)
	return b, nil
}
