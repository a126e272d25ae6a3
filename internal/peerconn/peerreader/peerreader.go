package peerreader

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/rainwire/internal/bufferpool"
	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/cenkalti/rainwire/internal/ratelimiter"
)

const (
	// MaxBlockLength is the largest block that can be requested or received.
	MaxBlockLength = 16 * 1024
	// length + msgid + requestmsg
	readBufferSize = 4 + 1 + 12
)

// Config of PeerReader.
type Config struct {
	// Time to wait for a message. Peer must send keep-alive messages to keep connection alive.
	ReadTimeout time.Duration
	// Time to wait for the data of a piece message.
	PieceTimeout time.Duration
	// Messages longer than this are rejected, except bitfield.
	MaxMessageLength uint32
	// Exact length of the bitfield payload in bytes.
	BitfieldLength uint32
}

// PeerReader reads framed messages from the connection and sends them to the Messages channel.
type PeerReader struct {
	conn     net.Conn
	r        *bufio.Reader
	log      logger.Logger
	config   Config
	limiter  *ratelimiter.Limiter
	pool     *bufferpool.Pool
	messages chan<- interface{}
}

// New returns a new PeerReader. Read messages are sent to the messages channel.
// Download rate is limited if limiter is not nil.
func New(conn net.Conn, l logger.Logger, cfg Config, pool *bufferpool.Pool, limiter *ratelimiter.Limiter, messages chan<- interface{}) *PeerReader {
	return &PeerReader{
		conn:     conn,
		r:        bufio.NewReaderSize(conn, readBufferSize),
		log:      l,
		config:   cfg,
		limiter:  limiter,
		pool:     pool,
		messages: messages,
	}
}

// Run reads messages until an error occurs or the context is cancelled.
// The returned error is nil if the context is cancelled.
func (p *PeerReader) Run(ctx context.Context) error {
	err := p.run(ctx)
	select {
	case <-ctx.Done():
		return nil
	default:
		return err
	}
}

func (p *PeerReader) run(ctx context.Context) error {
	first := true
	for {
		err := p.conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
		if err != nil {
			return err
		}

		var length uint32
		err = binary.Read(p.r, binary.BigEndian, &length)
		if err != nil {
			return err
		}
		if length == 0 { // keep-alive message
			p.log.Debug("Received message of type \"keep alive\"")
			continue
		}

		var id peerprotocol.MessageID
		err = binary.Read(p.r, binary.BigEndian, &id)
		if err != nil {
			return err
		}
		length--

		if id == peerprotocol.Bitfield {
			if length > p.config.BitfieldLength {
				return protocolErrorf("bitfield is too long (%d > %d)", length, p.config.BitfieldLength)
			}
		} else if length+1 > p.config.MaxMessageLength {
			return protocolErrorf("message %s is too long (%d > %d)", id, length+1, p.config.MaxMessageLength)
		}

		var msg interface{}
		switch id {
		case peerprotocol.Piece:
			var pm Piece
			pm, err = p.readPiece(ctx, length)
			if err != nil {
				return err
			}
			msg = pm
		case peerprotocol.Bitfield, peerprotocol.HaveAll, peerprotocol.HaveNone:
			if !first {
				return protocolErrorf("%s can only be sent after handshake", id)
			}
			msg, err = p.readMessage(id, length)
		default:
			msg, err = p.readMessage(id, length)
		}
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		// BEP 6 allows these before the bitfield.
		switch id {
		case peerprotocol.AllowedFast, peerprotocol.Suggest, peerprotocol.Extension:
		default:
			first = false
		}
		select {
		case p.messages <- msg:
		case <-ctx.Done():
			if pm, ok := msg.(Piece); ok {
				pm.Buffer.Release()
			}
			return nil
		}
	}
}

// readMessage reads the payload of a non-piece message and parses it.
// Returns nil message for messages that should be ignored.
func (p *PeerReader) readMessage(id peerprotocol.MessageID, length uint32) (interface{}, error) {
	payload := make([]byte, length)
	_, err := io.ReadFull(p.r, payload)
	if err != nil {
		return nil, err
	}
	fixed := func(m interface{ UnmarshalBinary([]byte) error }) error {
		if err := m.UnmarshalBinary(payload); err != nil {
			return protocolErrorf("invalid %s message: %s", id, err)
		}
		return nil
	}
	empty := func(m interface{}) (interface{}, error) {
		if length != 0 {
			return nil, protocolErrorf("invalid %s message length: %d", id, length)
		}
		return m, nil
	}
	switch id {
	case peerprotocol.Choke:
		return empty(peerprotocol.ChokeMessage{})
	case peerprotocol.Unchoke:
		return empty(peerprotocol.UnchokeMessage{})
	case peerprotocol.Interested:
		return empty(peerprotocol.InterestedMessage{})
	case peerprotocol.NotInterested:
		return empty(peerprotocol.NotInterestedMessage{})
	case peerprotocol.HaveAll:
		return empty(peerprotocol.HaveAllMessage{})
	case peerprotocol.HaveNone:
		return empty(peerprotocol.HaveNoneMessage{})
	case peerprotocol.Have:
		var m peerprotocol.HaveMessage
		err = fixed(&m)
		return m, err
	case peerprotocol.Suggest:
		var m peerprotocol.SuggestPieceMessage
		err = fixed(&m)
		return m, err
	case peerprotocol.AllowedFast:
		var m peerprotocol.AllowedFastMessage
		err = fixed(&m)
		return m, err
	case peerprotocol.Bitfield:
		if length != p.config.BitfieldLength {
			return nil, protocolErrorf("invalid bitfield length: %d", length)
		}
		return peerprotocol.BitfieldMessage{Data: payload}, nil
	case peerprotocol.Request:
		var m peerprotocol.RequestMessage
		if err = fixed(&m); err != nil {
			return nil, err
		}
		if m.Length > MaxBlockLength {
			return nil, protocolErrorf("received a request with block size larger than allowed (%d > %d)", m.Length, MaxBlockLength)
		}
		return m, nil
	case peerprotocol.Reject:
		var m peerprotocol.RejectMessage
		err = fixed(&m)
		return m, err
	case peerprotocol.Cancel:
		var m peerprotocol.CancelMessage
		err = fixed(&m)
		return m, err
	case peerprotocol.Port:
		var m peerprotocol.PortMessage
		err = fixed(&m)
		return m, err
	case peerprotocol.Extension:
		var m peerprotocol.ExtensionMessage
		err = m.UnmarshalBinary(payload)
		if errors.Is(err, peerprotocol.ErrUnknownExtension) {
			p.log.Debugf("discarding unknown extension message: %d", m.ExtendedMessageID)
			return nil, nil
		}
		if err != nil {
			return nil, protocolErrorf("invalid extension message: %s", err)
		}
		return m.Payload, nil
	default:
		p.log.Debugf("unhandled message type: %s, discarded %d bytes", id, length)
		return nil, nil
	}
}

func (p *PeerReader) readPiece(ctx context.Context, length uint32) (pm Piece, err error) {
	if length <= 8 {
		err = protocolErrorf("piece message is too short: %d", length)
		return
	}
	var header [8]byte
	_, err = io.ReadFull(p.r, header[:])
	if err != nil {
		return
	}
	_ = pm.PieceMessage.UnmarshalBinary(header[:])
	length -= 8
	if length > MaxBlockLength {
		err = protocolErrorf("received a piece with block size larger than allowed (%d > %d)", length, MaxBlockLength)
		return
	}
	if p.limiter != nil {
		if err = p.limiter.Wait(ctx, int(length)); err != nil {
			return
		}
	}
	pm.Buffer = p.pool.Get(int(length))
	defer func() {
		if err != nil {
			pm.Buffer.Release()
			pm.Buffer = bufferpool.Buffer{}
		}
	}()

	var n, m int
	for {
		err = p.conn.SetReadDeadline(time.Now().Add(p.config.PieceTimeout))
		if err != nil {
			return
		}
		n, err = io.ReadFull(p.r, pm.Buffer.Data[m:])
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() && n > 0 {
				// Some bytes received, peer appears to be slow, keep receiving the rest.
				m += n
				continue
			}
			return
		}
		return
	}
}
