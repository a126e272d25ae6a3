package btconn

var (
	// ErrInvalidProtocol is returned when the remote side does not speak BitTorrent protocol.
	ErrInvalidProtocol = &Error{"invalid protocol string"}
	// ErrInvalidInfoHash is returned when the remote side sends an unexpected or unknown info hash.
	ErrInvalidInfoHash = &Error{"invalid info hash"}
	// ErrOwnConnection is returned when we are connected to ourselves.
	ErrOwnConnection = &Error{"dropped own connection"}
)

// Error is a handshake error caused by the remote peer.
// Other errors returned from this package are transport errors.
type Error struct {
	message string
}

func (e *Error) Error() string {
	return e.message
}
