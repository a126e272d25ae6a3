package outgoinghandshaker

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/handshaker"
	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/peer"
)

// OutgoingHandshaker does the BitTorrent handshake on an outgoing connection.
type OutgoingHandshaker struct {
	Addr       *net.TCPAddr
	Conn       net.Conn
	PeerID     [20]byte
	Extensions btconn.Extensions
	Error      error

	state  atomic.Int32
	closeC chan struct{}
	doneC  chan struct{}
}

// New returns a new OutgoingHandshaker for a TCP address.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	h := &OutgoingHandshaker{
		Addr:   addr,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	h.state.Store(int32(peer.Connecting))
	return h
}

// State returns Connecting until the TCP connection is open, then HandshakeSent.
// It is HandshakeReceived after a successful handshake.
func (h *OutgoingHandshaker) State() peer.State {
	return peer.State(h.state.Load())
}

// Close the handshaker.
func (h *OutgoingHandshaker) Close() {
	close(h.closeC)
	<-h.doneC
}

// Run the handshaker. Result is sent to resultC unless the handshaker is closed.
func (h *OutgoingHandshaker) Run(cfg handshaker.Config, dialTimeout time.Duration, infoHash [20]byte, resultC chan *OutgoingHandshaker) {
	defer close(h.doneC)
	log := logger.New("peer -> " + h.Addr.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-h.closeC:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, peerExtensions, peerID, err := h.dial(ctx, log, cfg, dialTimeout, infoHash)
	if err != nil {
		handshaker.LogError(log, err)
		h.Error = err
		select {
		case resultC <- h:
		case <-h.closeC:
		}
		return
	}
	log.Debugf("Connected to peer. (extensions=%x client=%q)", peerExtensions, peerID[:8])

	h.Conn = conn
	h.PeerID = peerID
	h.Extensions = peerExtensions

	select {
	case resultC <- h:
	case <-h.closeC:
		conn.Close()
	}
}

func (h *OutgoingHandshaker) dial(ctx context.Context, log logger.Logger, cfg handshaker.Config, dialTimeout time.Duration, infoHash [20]byte) (net.Conn, btconn.Extensions, [20]byte, error) {
	log.Debug("Connecting to peer...")
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, h.Addr.Network(), h.Addr.String())
	if err != nil {
		return nil, btconn.Extensions{}, [20]byte{}, err
	}
	h.state.Store(int32(peer.HandshakeSent))
	conn, peerExtensions, peerID, err := btconn.Outgoing(ctx, conn, cfg.Timeout, cfg.Encrypter, cfg.Extensions, infoHash, cfg.PeerID)
	if err != nil {
		return nil, peerExtensions, peerID, err
	}
	h.state.Store(int32(peer.HandshakeReceived))
	return conn, peerExtensions, peerID, nil
}
