package peerreader

import "fmt"

// ProtocolError is returned from PeerReader when the remote peer violates the peer protocol.
type ProtocolError struct {
	message string
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{message: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.message
}
