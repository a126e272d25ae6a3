package peerwriter

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/cenkalti/rainwire/internal/ratelimiter"
	"golang.org/x/sync/errgroup"
)

// Config of PeerWriter.
type Config struct {
	KeepAlivePeriod time.Duration
	// Number of piece messages that can be queued. Requests over this limit are dropped or rejected.
	MaxRequestsIn int
	// If the remote peer supports the fast extension, dropped piece messages are rejected explicitly.
	FastEnabled bool
}

// PeerWriter sends queued messages to the peer in FIFO order.
type PeerWriter struct {
	conn       net.Conn
	log        logger.Logger
	config     Config
	limiter    *ratelimiter.Limiter
	queueC     chan peerprotocol.Message
	cancelC    chan peerprotocol.CancelMessage
	writeQueue *list.List
	numPieces  int
	writeC     chan peerprotocol.Message
	messages   chan<- interface{}
	doneC      chan struct{}
}

// New returns a new PeerWriter. BlockUploaded events are sent to the messages channel.
// Upload rate is limited if limiter is not nil.
func New(conn net.Conn, l logger.Logger, cfg Config, limiter *ratelimiter.Limiter, messages chan<- interface{}) *PeerWriter {
	return &PeerWriter{
		conn:       conn,
		log:        l,
		config:     cfg,
		limiter:    limiter,
		queueC:     make(chan peerprotocol.Message),
		cancelC:    make(chan peerprotocol.CancelMessage),
		writeQueue: list.New(),
		writeC:     make(chan peerprotocol.Message),
		messages:   messages,
		doneC:      make(chan struct{}),
	}
}

// SendMessage queues a message for sending.
// Queueing a choke message removes the piece messages that are queued before.
func (p *PeerWriter) SendMessage(msg peerprotocol.Message) {
	select {
	case p.queueC <- msg:
	case <-p.doneC:
	}
}

// SendPiece queues a piece message for sending. Data is read with r just before sending.
func (p *PeerWriter) SendPiece(msg peerprotocol.RequestMessage, r BlockReader) {
	p.SendMessage(Piece{RequestMessage: msg, Read: r})
}

// CancelRequest removes previously queued piece message matching msg.
func (p *PeerWriter) CancelRequest(msg peerprotocol.CancelMessage) {
	select {
	case p.cancelC <- msg:
	case <-p.doneC:
	}
}

// Done is closed when Run returns.
func (p *PeerWriter) Done() <-chan struct{} {
	return p.doneC
}

// Run sends queued messages until an error occurs or the context is cancelled.
// The returned error is nil if the context is cancelled.
func (p *PeerWriter) Run(ctx context.Context) error {
	defer close(p.doneC)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.queueLoop(ctx) })
	g.Go(func() error { return p.messageWriter(ctx) })
	return g.Wait()
}

func (p *PeerWriter) queueLoop(ctx context.Context) error {
	for {
		var (
			e      *list.Element
			msg    peerprotocol.Message
			writeC chan peerprotocol.Message
		)
		if p.writeQueue.Len() > 0 {
			e = p.writeQueue.Front()
			msg = e.Value.(peerprotocol.Message)
			writeC = p.writeC
		}
		select {
		case msg = <-p.queueC:
			p.queueMessage(msg)
		case writeC <- msg:
			p.remove(e)
		case cm := <-p.cancelC:
			p.cancelRequest(cm)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *PeerWriter) remove(e *list.Element) {
	if _, ok := e.Value.(Piece); ok {
		p.numPieces--
	}
	p.writeQueue.Remove(e)
}

func (p *PeerWriter) queueMessage(msg peerprotocol.Message) {
	switch msg := msg.(type) {
	case peerprotocol.ChokeMessage:
		p.cancelQueuedPieceMessages()
	case Piece:
		if p.numPieces >= p.config.MaxRequestsIn {
			p.log.Debugf("request queue is full, dropping request: %+v", msg.RequestMessage)
			p.rejectOrDrop(msg)
			return
		}
		p.numPieces++
	}
	p.writeQueue.PushBack(msg)
}

func (p *PeerWriter) rejectOrDrop(pi Piece) {
	if p.config.FastEnabled {
		p.writeQueue.PushBack(peerprotocol.RejectMessage{RequestMessage: pi.RequestMessage})
	}
}

// cancelQueuedPieceMessages removes piece messages from the queue.
// Removed pieces are rejected if the peer supports the fast extension.
func (p *PeerWriter) cancelQueuedPieceMessages() {
	var next *list.Element
	for e := p.writeQueue.Front(); e != nil; e = next {
		next = e.Next()
		if pi, ok := e.Value.(Piece); ok {
			p.remove(e)
			p.rejectOrDrop(pi)
		}
	}
}

func (p *PeerWriter) cancelRequest(cm peerprotocol.CancelMessage) {
	for e := p.writeQueue.Front(); e != nil; e = e.Next() {
		if pi, ok := e.Value.(Piece); ok && pi.RequestMessage == cm.RequestMessage {
			p.remove(e)
			break
		}
	}
}

func (p *PeerWriter) messageWriter(ctx context.Context) error {
	// Disable write deadline that is previously set by handshaker.
	err := p.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return err
	}

	keepAliveTicker := time.NewTicker(p.config.KeepAlivePeriod)
	defer keepAliveTicker.Stop()

	for {
		select {
		case msg := <-p.writeC:
			if pi, ok := msg.(Piece); ok && p.limiter != nil {
				if err = p.limiter.Wait(ctx, int(pi.Length)); err != nil {
					return nil
				}
			}
			payload, err := msg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("cannot marshal message [%v]: %w", msg.ID(), err)
			}
			buf := make([]byte, 5+len(payload))
			binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
			buf[4] = byte(msg.ID())
			copy(buf[5:], payload)
			_, err = p.conn.Write(buf)
			if err != nil {
				return fmt.Errorf("cannot write message [%v]: %w", msg.ID(), err)
			}
			if pi, ok := msg.(Piece); ok {
				select {
				case p.messages <- BlockUploaded{Length: pi.Length}:
				case <-ctx.Done():
					return nil
				}
			}
		case <-keepAliveTicker.C:
			_, err = p.conn.Write([]byte{0, 0, 0, 0})
			if err != nil {
				return fmt.Errorf("cannot write keepalive message: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
