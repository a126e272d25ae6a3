package incominghandshaker

import (
	"net"

	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/handshaker"
	"github.com/cenkalti/rainwire/internal/logger"
)

// IncomingHandshaker does the BitTorrent protocol handshake on an incoming connection.
type IncomingHandshaker struct {
	Conn       net.Conn
	PeerID     [20]byte
	InfoHash   [20]byte
	Extensions btconn.Extensions
	Error      error

	// raw connection before the handshake
	conn   net.Conn
	closeC chan struct{}
	doneC  chan struct{}
}

// New returns a new IncomingHandshaker for a net.Conn.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{
		Conn:   conn,
		conn:   conn,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close the IncomingHandshaker. Also closes the underlying connection if there is an ongoing handshake operation.
func (h *IncomingHandshaker) Close() {
	close(h.closeC)
	h.conn.Close()
	<-h.doneC
}

// Run the handshaker goroutine. Result is sent to resultC unless the handshaker is closed.
func (h *IncomingHandshaker) Run(cfg handshaker.Config, hasInfoHash func([20]byte) bool, resultC chan *IncomingHandshaker) {
	defer close(h.doneC)
	defer func() {
		select {
		case resultC <- h:
		case <-h.closeC:
			h.Conn.Close()
		}
	}()

	log := logger.New("conn <- " + h.conn.RemoteAddr().String())

	conn, peerExtensions, peerID, infoHash, err := btconn.Accept(
		h.conn, cfg.Timeout, cfg.Encrypter, hasInfoHash, cfg.Extensions, cfg.PeerID)
	if err != nil {
		handshaker.LogError(log, err)
		h.Error = err
		h.conn.Close()
		return
	}
	log.Debugf("Connection accepted. (extensions=%x client=%q)", peerExtensions, peerID[:8])

	h.Conn = conn
	h.PeerID = peerID
	h.InfoHash = infoHash
	h.Extensions = peerExtensions
}
