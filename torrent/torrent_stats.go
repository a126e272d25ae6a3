package torrent

import "github.com/cenkalti/rainwire/internal/peer"

type statsRequest struct {
	Response chan Stats
}

// Stats contains statistics about a Torrent.
type Stats struct {
	// Status is one of "downloading", "seeding", "stopped" or "closed".
	Status string
	// Error that stopped the download, if any.
	Error error
	Pieces struct {
		// Number of pieces that are verified.
		Have uint32
		// Number of pieces in the torrent.
		Total uint32
		// Number of pieces that are being downloaded.
		Active int
		// Selection of new pieces is limited to [RangeBegin, RangeEnd).
		RangeBegin, RangeEnd uint32
	}
	Bytes struct {
		// Bytes of accepted blocks.
		Downloaded int64
		// Bytes sent in piece messages.
		Uploaded int64
		// Bytes of blocks that are discarded or failed hash check.
		Wasted int64
	}
	Peers struct {
		Total      int
		Incoming   int
		Outgoing   int
		// Peers unchoked by their rates.
		Unchoked   int
		// Peers unchoked randomly.
		Optimistic int
	}
	Handshakes struct {
		Outgoing      int
		// Outgoing handshakes waiting for the TCP connection.
		Connecting    int
		// Outgoing handshakes waiting for the handshake of the remote peer.
		HandshakeSent int
	}
	Addresses struct {
		// Addresses ready to be dialed.
		Available int
		// Addresses parked after consecutive failures.
		Busy int
	}
	Speed struct {
		// Bytes per second.
		Download float64
		Upload   float64
	}
	// Endgame is true when blocks are requested from multiple peers.
	Endgame bool
	// Piece selection strategy in use.
	Strategy string
}

// Stats returns the statistics of the Torrent.
func (t *Torrent) Stats() Stats {
	var stats Stats
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case t.statsCommandC <- req:
	case <-t.closeC:
		stats.Status = "closed"
		return stats
	}
	return <-req.Response
}

func (t *Torrent) stats() Stats {
	var s Stats
	switch {
	case t.lastError != nil:
		s.Status = "stopped"
		s.Error = t.lastError
	case t.completed:
		s.Status = "seeding"
	default:
		s.Status = "downloading"
	}
	s.Pieces.Have = t.bitfield.Count()
	s.Pieces.Total = t.layout.NumPieces
	s.Pieces.Active = len(t.piecePicker.ActivePieces())
	s.Pieces.RangeBegin = t.pieceRange.Begin
	s.Pieces.RangeEnd = t.pieceRange.End
	s.Bytes.Downloaded = t.bytesDownloaded.Count()
	s.Bytes.Uploaded = t.bytesUploaded.Count()
	s.Bytes.Wasted = t.bytesWasted.Count()
	t.mPeers.RLock()
	s.Peers.Total = len(t.peers)
	s.Peers.Incoming = len(t.incomingPeers)
	s.Peers.Outgoing = len(t.outgoingPeers)
	t.mPeers.RUnlock()
	s.Peers.Unchoked = t.unchoker.NumUnchoked()
	s.Peers.Optimistic = t.unchoker.NumOptimistic()
	s.Handshakes.Outgoing = len(t.outgoingHandshakers)
	for oh := range t.outgoingHandshakers {
		switch oh.State() {
		case peer.Connecting:
			s.Handshakes.Connecting++
		case peer.HandshakeSent:
			s.Handshakes.HandshakeSent++
		}
	}
	s.Addresses.Available = t.addrList.Len()
	s.Addresses.Busy = t.addrList.Busy()
	s.Speed.Download = t.downloadSpeed.Rate()
	s.Speed.Upload = t.uploadSpeed.Rate()
	s.Endgame = t.piecePicker.Endgame()
	s.Strategy = t.piecePicker.Strategy()
	return s
}
