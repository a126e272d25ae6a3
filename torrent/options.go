package torrent

import (
	"github.com/cenkalti/rainwire/diskio"
	"github.com/cenkalti/rainwire/internal/piece"
)

// AddTorrentOptions contains the information about the torrent data.
// Torrent file parsing is not done by this package.
type AddTorrentOptions struct {
	InfoHash    [20]byte
	PieceLength uint32
	TotalLength int64
	// SHA-1 hash of each piece.
	PieceHashes [][20]byte
	Storage     diskio.DiskIO
	// If true, pieces already in the storage are hashed before the torrent is started.
	Verify bool
}

func (o AddTorrentOptions) layout() piece.Layout {
	return piece.Layout{
		NumPieces:   uint32(len(o.PieceHashes)),
		PieceLength: o.PieceLength,
		TotalLength: o.TotalLength,
	}
}

func (o AddTorrentOptions) validate() error {
	if o.PieceLength == 0 {
		return errInvalidPieceLength
	}
	if o.TotalLength <= 0 {
		return errInvalidLength
	}
	numPieces := (o.TotalLength + int64(o.PieceLength) - 1) / int64(o.PieceLength)
	if int64(len(o.PieceHashes)) != numPieces {
		return errPieceHashes
	}
	if o.Storage == nil {
		return errNoStorage
	}
	return nil
}
