package peerprotocol

import (
	"errors"
	"fmt"
	"net"

	"github.com/zeebo/bencode"
)

// ExtensionIDHandshake is ID for extension handshake message.
const ExtensionIDHandshake = 0

// ErrUnknownExtension is returned when parsing an extension message that is not supported.
var ErrUnknownExtension = errors.New("unknown extension message")

// ExtensionMessage is extension to BitTorrent protocol.
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{}
}

// ID returns the type of a peer message.
func (m ExtensionMessage) ID() MessageID { return Extension }

// MarshalBinary returns the extended message id followed by the bencoded payload.
func (m ExtensionMessage) MarshalBinary() ([]byte, error) {
	payload, err := bencode.EncodeBytes(m.Payload)
	if err != nil {
		return nil, err
	}
	return append([]byte{m.ExtendedMessageID}, payload...), nil
}

// UnmarshalBinary parses extension message.
func (m *ExtensionMessage) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidLength
	}
	m.ExtendedMessageID = data[0]
	switch m.ExtendedMessageID {
	case ExtensionIDHandshake:
		var hm ExtensionHandshakeMessage
		if err := bencode.DecodeBytes(data[1:], &hm); err != nil {
			return fmt.Errorf("invalid extension handshake: %w", err)
		}
		if hm.RequestQueue < 0 {
			hm.RequestQueue = 0
		}
		m.Payload = hm
		return nil
	default:
		return ErrUnknownExtension
	}
}

// ExtensionHandshakeMessage contains the information to do the extension handshake.
type ExtensionHandshakeMessage struct {
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
	Port         uint16           `bencode:"p,omitempty"`
	RequestQueue int              `bencode:"reqq,omitempty"`
}

// NewExtensionHandshake returns a new ExtensionHandshakeMessage by filling the struct with given values.
func NewExtensionHandshake(version string, yourip net.IP, port uint16, requestQueueLength int) ExtensionHandshakeMessage {
	return ExtensionHandshakeMessage{
		M:            map[string]uint8{},
		V:            version,
		YourIP:       string(truncateIP(yourip)),
		Port:         port,
		RequestQueue: requestQueueLength,
	}
}

func truncateIP(ip net.IP) net.IP {
	ip4 := ip.To4()
	if ip4 != nil {
		return ip4
	}
	return ip
}
