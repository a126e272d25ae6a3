package torrent

import (
	"errors"
	"time"

	"github.com/cenkalti/rainwire/internal/bufferpool"
	"github.com/cenkalti/rainwire/internal/peer"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/cenkalti/rainwire/internal/piecepicker"
)

var errHashFailures = errors.New("too many hash failures")

type writeResult struct {
	Index, Begin uint32
	Buffer       bufferpool.Buffer
	Error        error
}

// requestBlocks fills the request queue of the peer.
// Requests are deferred to the next tick if too many block buffers are in use.
func (t *Torrent) requestBlocks(pe *peer.Peer, now time.Time) {
	if t.completed || t.closing || t.lastError != nil {
		return
	}
	if t.session.bufferPool.InUse() >= t.config.MaxBuffersInUse {
		return
	}
	pe.Lock()
	interested := pe.AmInterested
	queueLength := t.config.RequestQueueLength
	if pe.ExtensionHandshake != nil && pe.ExtensionHandshake.RequestQueue > 0 && pe.ExtensionHandshake.RequestQueue < queueLength {
		queueLength = pe.ExtensionHandshake.RequestQueue
	}
	pe.Unlock()
	if !interested {
		return
	}
	current := t.piecePicker.CurrentRequestCount(pe.Handle)
	count := queueLength - current
	if count <= 0 {
		return
	}
	requests := t.piecePicker.Pick(pe.PickerPeer(), t.pickerPeers(), count, t.pieceRange)
	if len(requests) == 0 {
		return
	}
	markRequested(pe, now)
	for _, r := range requests {
		pe.SendMessage(peerprotocol.RequestMessage{Index: r.Index, Begin: r.Begin, Length: r.Length})
	}
}

func (t *Torrent) requestBlocksFromAll() {
	now := time.Now()
	for _, pe := range t.peers {
		t.requestBlocks(pe, now)
	}
}

// handleWriteDone checks the hash of the piece after all of its blocks are written.
func (t *Torrent) handleWriteDone(wr writeResult) {
	wr.Buffer.Release()
	if wr.Error != nil {
		t.stop(wr.Error)
		return
	}
	if !t.piecePicker.BlockWritten(wr.Index, wr.Begin) {
		return
	}
	sum, err := t.storage.GetHash(wr.Index)
	if err != nil {
		t.stop(err)
		return
	}
	ok := sum == t.hashes[wr.Index]
	contributors := t.piecePicker.PieceVerified(wr.Index, ok)
	if !ok {
		t.handleHashFailure(wr.Index, contributors)
		t.requestBlocksFromAll()
		return
	}
	t.log.Debugf("piece #%d verified", wr.Index)
	for _, pe := range t.peers {
		pe.SendMessage(peerprotocol.HaveMessage{Index: wr.Index})
		t.updateInterestedState(pe)
	}
	t.checkCompletion()
}

func (t *Torrent) handleHashFailure(index uint32, contributors []piecepicker.Handle) {
	t.log.Errorf("piece #%d failed hash check", index)
	t.session.metrics.HashFailures.Inc(1)
	l := int64(t.layout.Length(index))
	t.bytesWasted.Inc(l)
	t.session.metrics.BytesWasted.Inc(l)
	for _, h := range contributors {
		pe, ok := t.peers[h]
		if !ok {
			continue
		}
		pe.Lock()
		pe.HashFails++
		fails := pe.HashFails
		pe.Unlock()
		if fails >= t.config.MaxHashFailures {
			t.closePeer(pe, errHashFailures)
		}
	}
}

func (t *Torrent) checkCompletion() {
	if t.completed || !t.bitfield.All() {
		return
	}
	t.completed = true
	close(t.completeC)
	t.log.Info("download completed")
	for _, pe := range t.peers {
		t.updateInterestedState(pe)
	}
}

// stop is called on storage errors. Peers stay connected for uploading but no new blocks are requested.
func (t *Torrent) stop(err error) {
	if t.lastError != nil {
		return
	}
	t.log.Errorln("storage error:", err)
	t.lastError = err
	t.errC <- err
	for _, pe := range t.peers {
		t.piecePicker.CancelAll(pe.Handle)
		t.stopPieceTimer(pe)
	}
}

func (t *Torrent) setRange(r piecepicker.Range) {
	if r.End == 0 || r.End > t.layout.NumPieces {
		r.End = t.layout.NumPieces
	}
	if r.Begin >= r.End {
		t.log.Errorf("invalid download range: [%d, %d)", r.Begin, r.End)
		return
	}
	t.pieceRange = r
	t.requestBlocksFromAll()
}
