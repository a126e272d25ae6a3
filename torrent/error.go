package torrent

import (
	"errors"

	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/peerconn/peerreader"
)

var (
	// ErrTorrentExists is returned when adding a torrent with an info hash that is already in the Session.
	ErrTorrentExists = errors.New("torrent already exists")
	// ErrTorrentNotFound is returned when there is no torrent with the given info hash.
	ErrTorrentNotFound = errors.New("torrent not found")
	// ErrClosed is returned from methods of a closed Torrent.
	ErrClosed = errors.New("torrent is closed")

	errInvalidPieceLength = errors.New("invalid piece length")
	errInvalidLength      = errors.New("invalid total length")
	errPieceHashes        = errors.New("number of piece hashes does not match the piece count")
	errNoStorage          = errors.New("storage is required")
)

// isProtocolError returns true if the connection is closed because the peer has violated the protocol.
// Other errors are transport failures.
func isProtocolError(err error) bool {
	var pe *peerreader.ProtocolError
	var be *btconn.Error
	return errors.As(err, &pe) || errors.As(err, &be)
}
