// Package peerconn provides a connection to a peer that sends and receives peer protocol messages concurrently.
package peerconn

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/rainwire/internal/bufferpool"
	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/peerconn/peerreader"
	"github.com/cenkalti/rainwire/internal/peerconn/peerwriter"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/cenkalti/rainwire/internal/ratelimiter"
	"golang.org/x/sync/errgroup"
)

// Config of a peer connection.
type Config struct {
	ReadTimeout      time.Duration
	PieceTimeout     time.Duration
	KeepAlivePeriod  time.Duration
	MaxMessageLength uint32
	BitfieldLength   uint32
	MaxRequestsIn    int
	FastEnabled      bool
}

// Conn is a peer connection that provides a channel for receiving messages and methods for sending messages.
type Conn struct {
	conn     net.Conn
	reader   *peerreader.PeerReader
	writer   *peerwriter.PeerWriter
	messages chan interface{}
	log      logger.Logger
	err      error
	closeC   chan struct{}
	doneC    chan struct{}
}

// New returns a new PeerConn by wrapping a net.Conn.
// Rate limiters may be nil.
func New(conn net.Conn, l logger.Logger, cfg Config, pool *bufferpool.Pool, downloadLimiter, uploadLimiter *ratelimiter.Limiter) *Conn {
	messages := make(chan interface{})
	return &Conn{
		conn: conn,
		reader: peerreader.New(conn, l, peerreader.Config{
			ReadTimeout:      cfg.ReadTimeout,
			PieceTimeout:     cfg.PieceTimeout,
			MaxMessageLength: cfg.MaxMessageLength,
			BitfieldLength:   cfg.BitfieldLength,
		}, pool, downloadLimiter, messages),
		writer: peerwriter.New(conn, l, peerwriter.Config{
			KeepAlivePeriod: cfg.KeepAlivePeriod,
			MaxRequestsIn:   cfg.MaxRequestsIn,
			FastEnabled:     cfg.FastEnabled,
		}, uploadLimiter, messages),
		messages: messages,
		log:      l,
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Addr returns the net.TCPAddr of the peer.
func (p *Conn) Addr() *net.TCPAddr {
	addr, _ := p.conn.RemoteAddr().(*net.TCPAddr)
	return addr
}

// String returns the remote address as string.
func (p *Conn) String() string {
	return p.conn.RemoteAddr().String()
}

// Close stops receiving and sending messages and closes underlying net.Conn.
// Messages channel is closed after Close returns.
func (p *Conn) Close() {
	select {
	case <-p.closeC:
	default:
		close(p.closeC)
	}
	<-p.doneC
}

// Logger for the peer that logs messages prefixed with peer address.
func (p *Conn) Logger() logger.Logger {
	return p.log
}

// Messages received from the peer will be sent to the channel returned.
// Values are message types from peerprotocol package, peerreader.Piece,
// peerprotocol.ExtensionHandshakeMessage and peerwriter.BlockUploaded.
// The channel is closed when the connection is closed.
func (p *Conn) Messages() <-chan interface{} {
	return p.messages
}

// SendMessage queues a message for sending.
func (p *Conn) SendMessage(msg peerprotocol.Message) {
	p.writer.SendMessage(msg)
}

// SendPiece queues a piece message for sending.
// Piece data is read just before the message is sent.
func (p *Conn) SendPiece(msg peerprotocol.RequestMessage, r peerwriter.BlockReader) {
	p.writer.SendPiece(msg, r)
}

// CancelRequest removes previously queued piece message matching msg.
func (p *Conn) CancelRequest(msg peerprotocol.CancelMessage) {
	p.writer.CancelRequest(msg)
}

// Err returns the error that caused the connection to be closed.
// It is nil if the connection is closed with Close.
// Must be called after the Messages channel is closed.
func (p *Conn) Err() error {
	return p.err
}

// Run starts receiving messages from peer and starts sending queued messages.
// If any error happens during receiving or sending messages,
// the connection and the underlying net.Conn will be closed.
func (p *Conn) Run() {
	defer close(p.doneC)
	defer close(p.messages)

	p.log.Debugln("Communicating peer", p.conn.RemoteAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.reader.Run(ctx) })
	g.Go(func() error { return p.writer.Run(ctx) })
	g.Go(func() error {
		select {
		case <-p.closeC:
			cancel()
		case <-ctx.Done():
		}
		// Unblocks the reader.
		p.conn.Close()
		return nil
	})
	err := g.Wait()
	select {
	case <-p.closeC:
	default:
		p.err = err
	}
}
