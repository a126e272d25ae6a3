package peerprotocol

import "strconv"

// MessageID is the first byte of a peer message after the length prefix.
type MessageID uint8

// Peer message types
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	Suggest     MessageID = 13
	HaveAll     MessageID = 14
	HaveNone    MessageID = 15
	Reject      MessageID = 16
	AllowedFast MessageID = 17
	Extension   MessageID = 20
)

var messageIDStrings = map[MessageID]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
	Suggest:       "suggest piece",
	HaveAll:       "have all",
	HaveNone:      "have none",
	Reject:        "reject request",
	AllowedFast:   "allowed fast",
	Extension:     "extension",
}

func (m MessageID) String() string {
	if s, ok := messageIDStrings[m]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(m)) + ")"
}

// Fast returns true if the message is defined by the fast extension.
func (m MessageID) Fast() bool {
	return m >= Suggest && m <= AllowedFast
}
