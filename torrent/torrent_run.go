package torrent

import (
	"errors"
	"time"

	"github.com/cenkalti/rainwire/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
)

var errPieceTimeout = errors.New("piece timeout")

// Torrent event loop
func (t *Torrent) run() {
	defer close(t.doneC)

	tickTicker := time.NewTicker(t.config.TickInterval)
	defer tickTicker.Stop()
	unchokeTicker := time.NewTicker(t.config.UnchokeInterval)
	defer unchokeTicker.Stop()
	speedTicker := time.NewTicker(t.config.SpeedUpdateInterval)
	defer speedTicker.Stop()

	t.log.Info("torrent has started")
	for {
		select {
		case <-t.closeC:
			t.close()
			return
		case addrs := <-t.addPeersCommandC:
			t.handleNewPeers(addrs)
		case r := <-t.rangeCommandC:
			t.setRange(r)
		case req := <-t.statsCommandC:
			req.Response <- t.stats()
		case ih := <-t.incomingConnC:
			t.handleIncomingConn(ih)
		case oh := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeDone(oh)
		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe, pe.Err())
		case pm := <-t.messages:
			t.handlePeerMessage(pm)
		case wr := <-t.writeDoneC:
			t.handleWriteDone(wr)
		case now := <-tickTicker.C:
			t.tick(now)
		case <-unchokeTicker.C:
			t.unchoker.Tick(t.unchokerPeers(), t.completed)
		case <-speedTicker.C:
			t.tickSpeed()
		}
	}
}

func (t *Torrent) close() {
	t.closing = true
	for oh := range t.outgoingHandshakers {
		oh.Close()
	}
	t.outgoingHandshakers = nil
	for _, pe := range t.peers {
		t.closePeer(pe, nil)
	}
	t.log.Info("torrent has stopped")
}

// handleIncomingHandshake is called from the Session loop when an incoming handshake for this torrent is completed.
func (t *Torrent) handleIncomingHandshake(ih *incominghandshaker.IncomingHandshaker) {
	select {
	case t.incomingConnC <- ih:
	case <-t.closeC:
		ih.Conn.Close()
	}
}

// tick disconnects snubbed peers, cancels timed out requests, fills request queues and dials new peers.
func (t *Torrent) tick(now time.Time) {
	for _, pe := range t.peers {
		if t.piecePicker.CurrentRequestCount(pe.Handle) == 0 {
			continue
		}
		pe.Lock()
		waitingSince := pe.LastPieceAt
		pe.Unlock()
		if !waitingSince.IsZero() && now.Sub(waitingSince) > t.config.PieceTimeout {
			pe.Logger().Debugln("peer is snubbed, no block received in", t.config.PieceTimeout)
			t.closePeer(pe, errPieceTimeout)
		}
	}
	for _, c := range t.piecePicker.CancelTimedOut(t.config.RequestTimeout, now) {
		pe, ok := t.peers[c.Peer]
		if !ok {
			continue
		}
		pe.Logger().Debugf("request timed out: %+v", c.Request)
		pe.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
			Index:  c.Index,
			Begin:  c.Begin,
			Length: c.Length,
		}})
	}
	t.requestBlocksFromAll()
	t.dialAddresses()
}

func (t *Torrent) tickSpeed() {
	t.downloadSpeed.Tick()
	t.uploadSpeed.Tick()
	for _, pe := range t.peers {
		pe.TickSpeed()
	}
}
