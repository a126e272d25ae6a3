package peer

// State of a peer connection.
type State int

// Connection states. Connecting and HandshakeSent are reported by outgoing handshakers.
// A Peer is created in HandshakeReceived after the handshake completes in either direction.
const (
	Connecting State = iota
	HandshakeSent
	HandshakeReceived
	BitfieldExchanged
	Steady
	Closed
)

var stateStrings = [...]string{
	Connecting:        "connecting",
	HandshakeSent:     "handshake sent",
	HandshakeReceived: "handshake received",
	BitfieldExchanged: "bitfield exchanged",
	Steady:            "steady",
	Closed:            "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return "unknown"
}
