package peerprotocol

import (
	"encoding"
	"encoding/binary"
	"errors"
)

// ErrInvalidLength is returned when the payload of a fixed size message has wrong length.
var ErrInvalidLength = errors.New("invalid message length")

// Message is a Peer message of BitTorrent protocol.
type Message interface {
	encoding.BinaryMarshaler
	ID() MessageID
}

// HaveMessage indicates a peer has the piece with index.
type HaveMessage struct {
	Index uint32
}

// ID returns the peer protocol message type.
func (m HaveMessage) ID() MessageID { return Have }

// MarshalBinary returns the bytes of the message payload.
func (m HaveMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b, nil
}

// UnmarshalBinary parses the message payload.
func (m *HaveMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return ErrInvalidLength
	}
	m.Index = binary.BigEndian.Uint32(data)
	return nil
}

// SuggestPieceMessage is sent to tell the peer that it may want to download the piece.
type SuggestPieceMessage struct{ HaveMessage }

// ID returns the peer protocol message type.
func (m SuggestPieceMessage) ID() MessageID { return Suggest }

// AllowedFastMessage is sent to tell a peer that it can download pieces regardless of choking status.
type AllowedFastMessage struct{ HaveMessage }

// ID returns the peer protocol message type.
func (m AllowedFastMessage) ID() MessageID { return AllowedFast }

// RequestMessage is sent when a peer needs a certain block.
type RequestMessage struct {
	Index, Begin, Length uint32
}

// ID returns the peer protocol message type.
func (m RequestMessage) ID() MessageID { return Request }

// MarshalBinary returns the bytes of the message payload.
func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b, nil
}

// UnmarshalBinary parses the message payload.
func (m *RequestMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 12 {
		return ErrInvalidLength
	}
	m.Index = binary.BigEndian.Uint32(data[0:4])
	m.Begin = binary.BigEndian.Uint32(data[4:8])
	m.Length = binary.BigEndian.Uint32(data[8:12])
	return nil
}

// RejectMessage is sent to peer to tell that we are rejecting a request from you.
type RejectMessage struct{ RequestMessage }

// ID returns the peer protocol message type.
func (m RejectMessage) ID() MessageID { return Reject }

// CancelMessage is sent to peer to cancel previously sent request.
type CancelMessage struct{ RequestMessage }

// ID returns the peer protocol message type.
func (m CancelMessage) ID() MessageID { return Cancel }

// PieceMessage is the header of a message that carries block data.
// Data follows the header on the wire.
type PieceMessage struct {
	Index, Begin uint32
}

// ID returns the peer protocol message type.
func (m PieceMessage) ID() MessageID { return Piece }

// MarshalBinary returns the bytes of the message header.
func (m PieceMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b, nil
}

// UnmarshalBinary parses the message header.
func (m *PieceMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return ErrInvalidLength
	}
	m.Index = binary.BigEndian.Uint32(data[0:4])
	m.Begin = binary.BigEndian.Uint32(data[4:8])
	return nil
}

// BitfieldMessage sent after the peer handshake to exchange piece availability information between peers.
type BitfieldMessage struct {
	Data []byte
}

// ID returns the peer protocol message type.
func (m BitfieldMessage) ID() MessageID { return Bitfield }

// MarshalBinary returns the bytes of the message payload.
func (m BitfieldMessage) MarshalBinary() ([]byte, error) {
	return m.Data, nil
}

// PortMessage is sent to announce the UDP port number of DHT node run by the peer.
type PortMessage struct {
	Port uint16
}

// ID returns the peer protocol message type.
func (m PortMessage) ID() MessageID { return Port }

// MarshalBinary returns the bytes of the message payload.
func (m PortMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b, nil
}

// UnmarshalBinary parses the message payload.
func (m *PortMessage) UnmarshalBinary(data []byte) error {
	if len(data) != 2 {
		return ErrInvalidLength
	}
	m.Port = binary.BigEndian.Uint16(data)
	return nil
}

type emptyMessage struct{}

// MarshalBinary returns empty payload.
func (m emptyMessage) MarshalBinary() ([]byte, error) {
	return []byte{}, nil
}

// ChokeMessage is sent to peer that it should not request pieces.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage is sent to peer that it can request pieces.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage is sent to peer that we want to request pieces if you unchoke us.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage is sent to peer that we don't want any piece from you.
type NotInterestedMessage struct{ emptyMessage }

// HaveAllMessage can be sent to peer to indicate that we are a seed for this torrent.
type HaveAllMessage struct{ emptyMessage }

// HaveNoneMessage is sent to peer to tell that we don't have any pieces.
type HaveNoneMessage struct{ emptyMessage }

// ID returns the peer protocol message type.
func (m ChokeMessage) ID() MessageID { return Choke }

// ID returns the peer protocol message type.
func (m UnchokeMessage) ID() MessageID { return Unchoke }

// ID returns the peer protocol message type.
func (m InterestedMessage) ID() MessageID { return Interested }

// ID returns the peer protocol message type.
func (m NotInterestedMessage) ID() MessageID { return NotInterested }

// ID returns the peer protocol message type.
func (m HaveAllMessage) ID() MessageID { return HaveAll }

// ID returns the peer protocol message type.
func (m HaveNoneMessage) ID() MessageID { return HaveNone }
