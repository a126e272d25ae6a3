package torrent

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/rainwire/internal/bitfield"
	"github.com/cenkalti/rainwire/internal/peer"
	"github.com/cenkalti/rainwire/internal/peerconn/peerreader"
	"github.com/cenkalti/rainwire/internal/peerconn/peerwriter"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/cenkalti/rainwire/internal/piecepicker"
)

var (
	errFastNotEnabled = errors.New("fast extension message from a peer that does not support it")
	errInvalidIndex   = errors.New("invalid piece index")
	errInvalidRequest = errors.New("invalid request")
	errInvalidBlock   = errors.New("invalid block")
)

func (t *Torrent) handlePeerMessage(pm peer.Message) {
	pe := pm.Peer
	if _, ok := t.peers[pe.Handle]; !ok {
		// Peer is closed while the message was in flight.
		if piece, ok := pm.Message.(peerreader.Piece); ok {
			piece.Buffer.Release()
		}
		return
	}
	now := time.Now()
	pe.Lock()
	pe.LastMessageAt = now
	pe.Unlock()
	if pe.State() == peer.BitfieldExchanged {
		pe.SetState(peer.Steady)
	}
	if err := t.dispatchPeerMessage(pe, pm.Message, now); err != nil {
		pe.Logger().Errorln(err)
		t.closePeer(pe, err)
	}
}

func (t *Torrent) checkIndex(index uint32) error {
	if index >= t.layout.NumPieces {
		return fmt.Errorf("%w: %d", errInvalidIndex, index)
	}
	return nil
}

func checkFast(pe *peer.Peer) error {
	if !pe.FastEnabled {
		return errFastNotEnabled
	}
	return nil
}

// dispatchPeerMessage handles a single message of the peer.
// Returned error closes the connection.
func (t *Torrent) dispatchPeerMessage(pe *peer.Peer, m interface{}, now time.Time) error {
	switch msg := m.(type) {
	case peerreader.Piece:
		return t.handlePieceMessage(pe, msg, now)
	case peerprotocol.HaveMessage:
		if err := t.checkIndex(msg.Index); err != nil {
			return err
		}
		pe.Lock()
		pe.Bitfield.Set(msg.Index)
		pe.Unlock()
		t.updateInterestedState(pe)
		t.requestBlocks(pe, now)
	case peerprotocol.BitfieldMessage:
		bf, err := bitfield.NewBytes(msg.Data, t.layout.NumPieces)
		if err != nil {
			return err
		}
		pe.Logger().Debugln("Received bitfield:", bf.Hex())
		pe.Lock()
		pe.Bitfield = bf
		pe.Unlock()
		t.updateInterestedState(pe)
		t.requestBlocks(pe, now)
	case peerprotocol.HaveAllMessage:
		if err := checkFast(pe); err != nil {
			return err
		}
		pe.Lock()
		pe.Bitfield.SetAll()
		pe.Unlock()
		t.updateInterestedState(pe)
		t.requestBlocks(pe, now)
	case peerprotocol.HaveNoneMessage:
		if err := checkFast(pe); err != nil {
			return err
		}
	case peerprotocol.SuggestPieceMessage:
		if err := checkFast(pe); err != nil {
			return err
		}
		if err := t.checkIndex(msg.Index); err != nil {
			return err
		}
		pe.Lock()
		pe.Suggested.Add(msg.Index)
		pe.Unlock()
	case peerprotocol.AllowedFastMessage:
		if err := checkFast(pe); err != nil {
			return err
		}
		if err := t.checkIndex(msg.Index); err != nil {
			return err
		}
		pe.Logger().Debugln("received allowed fast for piece", msg.Index)
		pe.Lock()
		pe.AllowedFast.Add(msg.Index)
		pe.Unlock()
		t.requestBlocks(pe, now)
	case peerprotocol.UnchokeMessage:
		pe.Lock()
		pe.PeerChoking = false
		pe.Unlock()
		t.requestBlocks(pe, now)
	case peerprotocol.ChokeMessage:
		pe.Lock()
		pe.PeerChoking = true
		allowedFast := pe.AllowedFast.Clone()
		pe.Unlock()
		var n int
		if pe.FastEnabled {
			// Requests for allowed fast pieces are still valid. Others will be rejected explicitly by the peer.
			n = t.piecePicker.CancelChoked(pe.Handle, allowedFast.Contains)
		} else {
			// Peer discards all pending requests on choke.
			n = t.piecePicker.CancelAll(pe.Handle)
		}
		t.stopPieceTimer(pe)
		if n > 0 {
			t.requestBlocksFromAll()
		}
	case peerprotocol.InterestedMessage:
		pe.Lock()
		pe.PeerInterested = true
		pe.Unlock()
		t.unchoker.FastUnchoke(pe)
	case peerprotocol.NotInterestedMessage:
		pe.Lock()
		pe.PeerInterested = false
		pe.Unlock()
	case peerprotocol.RequestMessage:
		return t.handleRequest(pe, msg)
	case peerprotocol.RejectMessage:
		if err := checkFast(pe); err != nil {
			return err
		}
		if err := t.checkIndex(msg.Index); err != nil {
			return err
		}
		if t.piecePicker.CancelOne(pe.Handle, msg.Index, msg.Begin, msg.Length) {
			pe.Logger().Debugf("request rejected: %+v", msg.RequestMessage)
			t.stopPieceTimer(pe)
		}
	case peerprotocol.CancelMessage:
		if err := t.checkIndex(msg.Index); err != nil {
			return err
		}
		pe.CancelRequest(msg)
		if pe.FastEnabled {
			pe.SendMessage(peerprotocol.RejectMessage{RequestMessage: msg.RequestMessage})
		}
	case peerprotocol.PortMessage:
		if t.session.dht == nil || !pe.Extensions.DHT() {
			break
		}
		addr := pe.Addr()
		if addr == nil {
			break
		}
		t.session.dht.AddNode(net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(msg.Port))))
	case peerprotocol.ExtensionHandshakeMessage:
		pe.Logger().Debugln("extension handshake received:", msg)
		pe.Lock()
		pe.ExtensionHandshake = &msg
		pe.Unlock()
	case peerwriter.BlockUploaded:
		l := int64(msg.Length)
		pe.BlockUploaded(l)
		t.uploadSpeed.Update(l)
		t.bytesUploaded.Inc(l)
		t.session.metrics.BytesUploaded.Inc(l)
	default:
		return fmt.Errorf("unhandled peer message type: %T", msg)
	}
	return nil
}

func (t *Torrent) handleRequest(pe *peer.Peer, msg peerprotocol.RequestMessage) error {
	if err := t.checkIndex(msg.Index); err != nil {
		return err
	}
	if msg.Length == 0 || uint64(msg.Begin)+uint64(msg.Length) > uint64(t.layout.Length(msg.Index)) {
		return fmt.Errorf("%w: %+v", errInvalidRequest, msg)
	}
	reject := func() {
		if pe.FastEnabled {
			pe.SendMessage(peerprotocol.RejectMessage{RequestMessage: msg})
		}
	}
	if !t.bitfield.Test(msg.Index) {
		reject()
		return nil
	}
	pe.Lock()
	choking := pe.AmChoking
	allowed := pe.SentAllowedFast.Contains(msg.Index)
	pe.Unlock()
	if choking && !(pe.FastEnabled && allowed) {
		reject()
		return nil
	}
	pe.SendPiece(msg, t.readBlock)
	return nil
}

// readBlock is called from the peer writer goroutine to read the block data just before sending.
func (t *Torrent) readBlock(index, begin, length uint32) ([]byte, error) {
	return t.storage.Read(t.layout.Offset(index)+int64(begin), length)
}

// handlePieceMessage validates the received block and queues it for writing.
func (t *Torrent) handlePieceMessage(pe *peer.Peer, msg peerreader.Piece, now time.Time) error {
	l := int64(msg.Length())
	if err := t.checkIndex(msg.Index); err != nil {
		msg.Buffer.Release()
		return err
	}
	v, err := t.piecePicker.Validate(pe.Handle, msg.Index, msg.Begin, msg.Length())
	switch err {
	case nil:
	case piecepicker.ErrBlockInvalid:
		msg.Buffer.Release()
		return fmt.Errorf("%w: index=%d begin=%d length=%d", errInvalidBlock, msg.Index, msg.Begin, l)
	default:
		// Late responses to cancelled, timed out or choked requests and duplicates in endgame.
		pe.Logger().Debugf("discarding block: index=%d begin=%d: %s", msg.Index, msg.Begin, err)
		t.bytesWasted.Inc(l)
		t.session.metrics.BytesWasted.Inc(l)
		msg.Buffer.Release()
		return nil
	}
	pe.BlockDownloaded(l, now)
	t.downloadSpeed.Update(l)
	t.bytesDownloaded.Inc(l)
	t.session.metrics.BytesDownloaded.Inc(l)

	for _, h := range v.Duplicates {
		if other, ok := t.peers[h]; ok {
			other.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
				Index:  msg.Index,
				Begin:  msg.Begin,
				Length: msg.Length(),
			}})
			t.stopPieceTimer(other)
		}
	}

	wr := writeResult{Index: msg.Index, Begin: msg.Begin, Buffer: msg.Buffer}
	t.storage.QueueWrite(msg.Index, msg.Begin, msg.Buffer.Data, func(err error) {
		wr.Error = err
		select {
		case t.writeDoneC <- wr:
		case <-t.closeC:
			wr.Buffer.Release()
		}
	})
	t.requestBlocks(pe, now)
	t.stopPieceTimer(pe)
	return nil
}
