package btconn

import (
	"encoding/binary"
	"io"
)

// HandshakeLength is the length of the whole BitTorrent handshake.
const HandshakeLength = 68

var pstr = [20]byte{19, 'B', 'i', 't', 'T', 'o', 'r', 'r', 'e', 'n', 't', ' ', 'p', 'r', 'o', 't', 'o', 'c', 'o', 'l'}

// Extensions is the reserved bytes in handshake that advertise protocol extensions.
type Extensions [8]byte

// Bits in reserved bytes.
const (
	extensionProtocolByte, extensionProtocolBit = 5, 0x10
	fastByte, fastBit                           = 7, 0x04
	dhtByte, dhtBit                             = 7, 0x01
)

// NewExtensions returns reserved bytes with the given extensions enabled.
func NewExtensions(fast, extensionProtocol, dht bool) Extensions {
	var e Extensions
	if fast {
		e[fastByte] |= fastBit
	}
	if extensionProtocol {
		e[extensionProtocolByte] |= extensionProtocolBit
	}
	if dht {
		e[dhtByte] |= dhtBit
	}
	return e
}

// Fast returns true if the fast extension (BEP 6) is supported.
func (e Extensions) Fast() bool { return e[fastByte]&fastBit != 0 }

// ExtensionProtocol returns true if the extension protocol (BEP 10) is supported.
func (e Extensions) ExtensionProtocol() bool { return e[extensionProtocolByte]&extensionProtocolBit != 0 }

// DHT returns true if the peer runs a DHT node (BEP 5).
func (e Extensions) DHT() bool { return e[dhtByte]&dhtBit != 0 }

// And returns the extensions supported by both sides.
func (e Extensions) And(other Extensions) Extensions {
	var r Extensions
	for i := range e {
		r[i] = e[i] & other[i]
	}
	return r
}

func writeHandshake(w io.Writer, ih [20]byte, id [20]byte, extensions Extensions) error {
	h := struct {
		Pstr       [20]byte
		Extensions Extensions
		InfoHash   [20]byte
		PeerID     [20]byte
	}{
		Pstr:       pstr,
		Extensions: extensions,
		InfoHash:   ih,
		PeerID:     id,
	}
	return binary.Write(w, binary.BigEndian, h)
}

// readHandshake1 reads the part of the handshake until peer id.
func readHandshake1(r io.Reader) (extensions Extensions, ih [20]byte, err error) {
	_, err = io.ReadFull(r, ih[:])
	if err != nil {
		return
	}
	if ih != pstr {
		err = ErrInvalidProtocol
		return
	}
	_, err = io.ReadFull(r, extensions[:])
	if err != nil {
		return
	}
	_, err = io.ReadFull(r, ih[:])
	return
}

func readHandshake2(r io.Reader) (id [20]byte, err error) {
	_, err = io.ReadFull(r, id[:])
	return
}
