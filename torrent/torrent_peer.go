package torrent

import (
	"net"
	"time"

	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/fast"
	"github.com/cenkalti/rainwire/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rainwire/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/peer"
	"github.com/cenkalti/rainwire/internal/peerconn"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/cenkalti/rainwire/internal/piece"
	"github.com/cenkalti/rainwire/internal/piecepicker"
	"github.com/cenkalti/rainwire/internal/unchoker"
)

func (t *Torrent) handleNewPeers(addrs []PeerAddr) {
	tcpAddrs := make([]*net.TCPAddr, 0, len(addrs))
	for _, a := range addrs {
		if a.PeerID != nil && *a.PeerID == t.session.peerID {
			continue
		}
		tcpAddrs = append(tcpAddrs, a.Addr)
	}
	t.addrList.Push(tcpAddrs)
	t.dialAddresses()
}

func (t *Torrent) dialAddresses() {
	if t.lastError != nil {
		return
	}
	for len(t.outgoingHandshakers)+len(t.outgoingPeers) < t.config.MaxPeerDial {
		if t.addrList.Len() == 0 {
			return
		}
		if !t.dialLimiter.Allow() {
			return
		}
		addr := t.addrList.Pop()
		if addr == nil {
			return
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = struct{}{}
		go h.Run(t.session.handshakeConfig(), t.config.PeerConnectTimeout, t.infoHash, t.outgoingHandshakerResultC)
	}
}

func (t *Torrent) handleOutgoingHandshakeDone(oh *outgoinghandshaker.OutgoingHandshaker) {
	delete(t.outgoingHandshakers, oh)
	if oh.Error != nil {
		t.session.metrics.HandshakeErrors.Inc(1)
		t.addrList.Return(oh.Addr, !isProtocolError(oh.Error))
		t.dialAddresses()
		return
	}
	if !t.acceptPeerID(oh.PeerID) {
		oh.Conn.Close()
		t.addrList.Return(oh.Addr, false)
		return
	}
	t.startPeer(oh.Conn, oh.PeerID, oh.Extensions, oh.Addr)
}

func (t *Torrent) handleIncomingConn(ih *incominghandshaker.IncomingHandshaker) {
	if len(t.incomingPeers) >= t.config.MaxPeerAccept {
		t.log.Debugln("peer limit reached, rejecting peer", ih.Conn.RemoteAddr().String())
		ih.Conn.Close()
		return
	}
	if !t.acceptPeerID(ih.PeerID) {
		ih.Conn.Close()
		return
	}
	t.startPeer(ih.Conn, ih.PeerID, ih.Extensions, nil)
}

// acceptPeerID returns false if there is already a connection with the same peer id.
func (t *Torrent) acceptPeerID(id [20]byte) bool {
	if _, ok := t.peerIDs[id]; ok {
		t.log.Debugf("already connected to peer id %q", id[:8])
		return false
	}
	return true
}

// startPeer creates the Peer for a connection that completed the handshake and starts the message loop.
// dialAddr is nil for incoming connections.
func (t *Torrent) startPeer(conn net.Conn, id [20]byte, extensions btconn.Extensions, dialAddr *net.TCPAddr) {
	extensions = extensions.And(t.session.extensions)
	h := t.nextHandle
	t.nextHandle++

	var direction string
	if dialAddr != nil {
		direction = "peer -> "
	} else {
		direction = "peer <- "
	}
	l := logger.New(direction + conn.RemoteAddr().String())
	pc := peerconn.New(conn, l, peerconn.Config{
		ReadTimeout:      t.config.PeerReadTimeout,
		PieceTimeout:     t.config.PieceTimeout,
		KeepAlivePeriod:  t.config.KeepAlivePeriod,
		MaxMessageLength: piece.BlockSize + 13,
		BitfieldLength:   (t.layout.NumPieces + 7) / 8,
		MaxRequestsIn:    t.config.MaxRequestsIn,
		FastEnabled:      extensions.Fast(),
	}, t.session.bufferPool, t.session.downloadLimiter, t.session.uploadLimiter)
	pe := peer.New(pc, h, id, extensions, t.layout.NumPieces, peer.HandshakeReceived)

	t.mPeers.Lock()
	t.peers[h] = pe
	t.peerIDs[id] = struct{}{}
	if dialAddr != nil {
		t.outgoingPeers[h] = dialAddr
	} else {
		t.incomingPeers[h] = struct{}{}
	}
	t.mPeers.Unlock()
	t.session.metrics.Peers.Inc(1)

	go pe.Run(t.messages, t.peerDisconnectedC)
	t.sendFirstMessage(pe)
	pe.SetState(peer.BitfieldExchanged)
}

// sendFirstMessage sends the messages that must be sent right after the handshake.
func (t *Torrent) sendFirstMessage(pe *peer.Peer) {
	count := t.bitfield.Count()
	switch {
	case pe.FastEnabled && count == t.bitfield.Len():
		pe.SendMessage(peerprotocol.HaveAllMessage{})
	case pe.FastEnabled && count == 0:
		pe.SendMessage(peerprotocol.HaveNoneMessage{})
	case count > 0:
		bf := t.bitfield.Copy()
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
	}
	if pe.ExtensionProtocol {
		var yourip net.IP
		if addr := pe.Addr(); addr != nil {
			yourip = addr.IP
		}
		msg := peerprotocol.NewExtensionHandshake(t.config.ClientVersion, yourip, uint16(t.session.Port()), t.config.MaxRequestsIn)
		pe.SendMessage(peerprotocol.ExtensionMessage{
			ExtendedMessageID: peerprotocol.ExtensionIDHandshake,
			Payload:           msg,
		})
	}
	if pe.Extensions.DHT() && t.config.DHTPort > 0 {
		pe.SendMessage(peerprotocol.PortMessage{Port: t.config.DHTPort})
	}
	if pe.FastEnabled && t.config.AllowedFastSet > 0 && !t.completed {
		t.sendAllowedFast(pe)
	}
}

func (t *Torrent) sendAllowedFast(pe *peer.Peer) {
	addr := pe.Addr()
	if addr == nil {
		return
	}
	set := fast.GenerateFastSet(t.config.AllowedFastSet, t.layout.NumPieces, t.infoHash, addr.IP)
	pe.Lock()
	pe.SentAllowedFast = set
	pe.Unlock()
	it := set.Iterator()
	for it.HasNext() {
		pe.SendMessage(peerprotocol.AllowedFastMessage{HaveMessage: peerprotocol.HaveMessage{Index: it.Next()}})
	}
}

// closePeer releases all requests of the peer, then removes it from the peer table and closes the connection.
// Dialed addresses are given back to the address list.
func (t *Torrent) closePeer(pe *peer.Peer, err error) {
	if _, ok := t.peers[pe.Handle]; !ok {
		return
	}
	n := t.piecePicker.CancelAll(pe.Handle)
	if err != nil {
		pe.Logger().Debugf("closing peer (released %d requests): %s", n, err)
	}

	t.mPeers.Lock()
	delete(t.peers, pe.Handle)
	delete(t.peerIDs, pe.ID)
	dialAddr, outgoing := t.outgoingPeers[pe.Handle]
	delete(t.outgoingPeers, pe.Handle)
	delete(t.incomingPeers, pe.Handle)
	t.mPeers.Unlock()
	t.session.metrics.Peers.Dec(1)

	t.unchoker.HandleDisconnect(pe)
	pe.Close()

	if outgoing {
		failed := err != nil && !isProtocolError(err) && err != errHashFailures
		t.addrList.Return(dialAddr, failed)
		if failed {
			t.log.Debugf("address %s failed %d times", dialAddr, t.addrList.Failures(dialAddr))
		}
	}
	if n > 0 {
		t.requestBlocksFromAll()
	}
}

func (t *Torrent) unchokerPeers() []unchoker.Peer {
	peers := make([]unchoker.Peer, 0, len(t.peers))
	for _, pe := range t.peers {
		if pe.State() < peer.BitfieldExchanged {
			continue
		}
		peers = append(peers, pe)
	}
	return peers
}

func (t *Torrent) pickerPeers() []*piecepicker.Peer {
	peers := make([]*piecepicker.Peer, 0, len(t.peers))
	for _, pe := range t.peers {
		peers = append(peers, pe.PickerPeer())
	}
	return peers
}

// updateInterestedState sends interested or not interested message if our interest in the peer's pieces has changed.
func (t *Torrent) updateInterestedState(pe *peer.Peer) {
	pe.Lock()
	interested := !t.completed && t.bitfield.Interested(pe.Bitfield)
	changed := interested != pe.AmInterested
	pe.AmInterested = interested
	pe.Unlock()
	if !changed {
		return
	}
	if interested {
		pe.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		pe.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

// markRequested starts the piece timer if it is not running.
// The timer keeps running after requests time out, so a silent peer is not saved by re-requesting.
func markRequested(pe *peer.Peer, now time.Time) {
	pe.Lock()
	if pe.LastPieceAt.IsZero() {
		pe.LastPieceAt = now
	}
	pe.Unlock()
}

// stopPieceTimer stops the piece timer if the peer has no outstanding requests.
// Must not be called after requests are cancelled due to timeout.
func (t *Torrent) stopPieceTimer(pe *peer.Peer) {
	if t.piecePicker.CurrentRequestCount(pe.Handle) > 0 {
		return
	}
	pe.Lock()
	pe.LastPieceAt = time.Time{}
	pe.Unlock()
}
