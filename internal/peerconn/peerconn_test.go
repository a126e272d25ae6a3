package peerconn

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/rainwire/internal/bufferpool"
	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/peerconn/peerreader"
	"github.com/cenkalti/rainwire/internal/peerconn/peerwriter"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	ReadTimeout:      time.Minute,
	PieceTimeout:     time.Minute,
	KeepAlivePeriod:  time.Minute,
	MaxMessageLength: 16*1024 + 13,
	BitfieldLength:   2,
	MaxRequestsIn:    10,
}

func newTestConn(t *testing.T, cfg Config) (*Conn, net.Conn) {
	c1, c2 := net.Pipe()
	conn := New(c1, logger.New("test"), cfg, bufferpool.New(16*1024), nil, nil)
	go conn.Run()
	t.Cleanup(func() { c2.Close() })
	return conn, c2
}

func writeFrame(t *testing.T, w io.Writer, id peerprotocol.MessageID, payload []byte) {
	t.Helper()
	b := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(b, uint32(1+len(payload)))
	b[4] = byte(id)
	copy(b[5:], payload)
	_, err := w.Write(b)
	require.NoError(t, err)
}

func readFrame(t *testing.T, r io.Reader) (peerprotocol.MessageID, []byte) {
	t.Helper()
	for {
		var length uint32
		require.NoError(t, binary.Read(r, binary.BigEndian, &length))
		if length == 0 {
			continue
		}
		b := make([]byte, length)
		_, err := io.ReadFull(r, b)
		require.NoError(t, err)
		return peerprotocol.MessageID(b[0]), b[1:]
	}
}

func marshal(m peerprotocol.Message) []byte {
	b, _ := m.MarshalBinary()
	return b
}

func TestReceiveMessages(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)

	go func() {
		writeFrame(t, remote, peerprotocol.Bitfield, []byte{0xff, 0xc0})
		_, _ = remote.Write([]byte{0, 0, 0, 0}) // keep-alive
		writeFrame(t, remote, 42, []byte("ignored"))
		writeFrame(t, remote, peerprotocol.Have, marshal(peerprotocol.HaveMessage{Index: 7}))
		payload := append(marshal(peerprotocol.PieceMessage{Index: 1, Begin: 16384}), []byte("data")...)
		writeFrame(t, remote, peerprotocol.Piece, payload)
	}()

	msg := <-conn.Messages()
	assert.Equal(t, peerprotocol.BitfieldMessage{Data: []byte{0xff, 0xc0}}, msg)
	msg = <-conn.Messages()
	assert.Equal(t, peerprotocol.HaveMessage{Index: 7}, msg)
	msg = <-conn.Messages()
	pm, ok := msg.(peerreader.Piece)
	require.True(t, ok)
	assert.Equal(t, uint32(1), pm.Index)
	assert.Equal(t, uint32(16384), pm.Begin)
	assert.Equal(t, uint32(4), pm.Length())
	assert.Equal(t, "data", string(pm.Buffer.Data))
	pm.Buffer.Release()

	conn.Close()
	assert.NoError(t, conn.Err())
}

func waitClosed(t *testing.T, conn *Conn) {
	t.Helper()
	for range conn.Messages() {
	}
}

func assertProtocolError(t *testing.T, err error) {
	t.Helper()
	var perr *peerreader.ProtocolError
	assert.True(t, errors.As(err, &perr), "unexpected error: %v", err)
}

func TestOversizedMessage(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	go func() {
		_, _ = remote.Write([]byte{0, 0x10, 0, 0, byte(peerprotocol.Piece)})
	}()
	waitClosed(t, conn)
	assertProtocolError(t, conn.Err())
}

func TestOversizedRequest(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	go writeFrame(t, remote, peerprotocol.Request, marshal(peerprotocol.RequestMessage{Index: 1, Length: 32 * 1024}))
	waitClosed(t, conn)
	assertProtocolError(t, conn.Err())
}

func TestBitfieldMustBeFirst(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	go func() {
		writeFrame(t, remote, peerprotocol.Have, marshal(peerprotocol.HaveMessage{Index: 1}))
		writeFrame(t, remote, peerprotocol.HaveAll, nil)
	}()
	assert.Equal(t, peerprotocol.HaveMessage{Index: 1}, <-conn.Messages())
	waitClosed(t, conn)
	assertProtocolError(t, conn.Err())
}

func TestBitfieldAfterHaveAll(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	go func() {
		_, _ = remote.Write([]byte{0, 0, 0, 1, byte(peerprotocol.HaveAll)})
		_, _ = remote.Write([]byte{0, 0, 0, 3, byte(peerprotocol.Bitfield), 0, 0})
	}()
	assert.Equal(t, peerprotocol.HaveAllMessage{}, <-conn.Messages())
	waitClosed(t, conn)
	assertProtocolError(t, conn.Err())
}

func TestAllowedFastBeforeBitfield(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	go func() {
		writeFrame(t, remote, peerprotocol.AllowedFast, marshal(peerprotocol.HaveMessage{Index: 3}))
		writeFrame(t, remote, peerprotocol.Bitfield, []byte{0xff, 0xc0})
	}()
	assert.Equal(t, peerprotocol.AllowedFastMessage{HaveMessage: peerprotocol.HaveMessage{Index: 3}}, <-conn.Messages())
	assert.Equal(t, peerprotocol.BitfieldMessage{Data: []byte{0xff, 0xc0}}, <-conn.Messages())
	conn.Close()
	assert.NoError(t, conn.Err())
}

func TestRemoteClose(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	remote.Close()
	waitClosed(t, conn)
	assert.Error(t, conn.Err())
}

// sendBlocked queues a piece and waits until the writer is blocked on writing it.
func sendBlocked(conn *Conn, req peerprotocol.RequestMessage) {
	readC := make(chan struct{})
	conn.SendPiece(req, func(index, begin, length uint32) ([]byte, error) {
		close(readC)
		return make([]byte, length), nil
	})
	<-readC
}

func data(index, begin, length uint32) ([]byte, error) {
	return make([]byte, length), nil
}

func drain(conn *Conn) {
	go func() {
		for range conn.Messages() {
		}
	}()
}

func TestChokeRollbackFast(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig
	cfg.FastEnabled = true
	conn, remote := newTestConn(t, cfg)
	drain(conn)
	defer conn.Close()

	a := peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4}
	b := peerprotocol.RequestMessage{Index: 0, Begin: 4, Length: 4}
	c := peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 4}
	sendBlocked(conn, a)
	conn.SendPiece(b, data)
	conn.SendPiece(c, data)
	conn.SendMessage(peerprotocol.ChokeMessage{})

	id, payload := readFrame(t, remote)
	assert.Equal(t, peerprotocol.Piece, id)
	assert.Len(t, payload, 8+4)
	id, payload = readFrame(t, remote)
	assert.Equal(t, peerprotocol.Reject, id)
	assert.Equal(t, marshal(b), payload)
	id, payload = readFrame(t, remote)
	assert.Equal(t, peerprotocol.Reject, id)
	assert.Equal(t, marshal(c), payload)
	id, _ = readFrame(t, remote)
	assert.Equal(t, peerprotocol.Choke, id)
}

func TestChokeRollbackNotFast(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	drain(conn)
	defer conn.Close()

	sendBlocked(conn, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4})
	conn.SendPiece(peerprotocol.RequestMessage{Index: 0, Begin: 4, Length: 4}, data)
	conn.SendMessage(peerprotocol.ChokeMessage{})

	id, _ := readFrame(t, remote)
	assert.Equal(t, peerprotocol.Piece, id)
	id, _ = readFrame(t, remote)
	assert.Equal(t, peerprotocol.Choke, id)
}

func TestCancelRequest(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	drain(conn)
	defer conn.Close()

	b := peerprotocol.RequestMessage{Index: 0, Begin: 4, Length: 4}
	sendBlocked(conn, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4})
	conn.SendPiece(b, data)
	conn.CancelRequest(peerprotocol.CancelMessage{RequestMessage: b})
	conn.SendMessage(peerprotocol.HaveMessage{Index: 3})

	id, _ := readFrame(t, remote)
	assert.Equal(t, peerprotocol.Piece, id)
	id, payload := readFrame(t, remote)
	assert.Equal(t, peerprotocol.Have, id)
	assert.Equal(t, []byte{0, 0, 0, 3}, payload)
}

func TestMaxRequestsIn(t *testing.T) {
	defer leaktest.Check(t)()
	cfg := testConfig
	cfg.FastEnabled = true
	cfg.MaxRequestsIn = 1
	conn, remote := newTestConn(t, cfg)
	drain(conn)
	defer conn.Close()

	b := peerprotocol.RequestMessage{Index: 0, Begin: 4, Length: 4}
	c := peerprotocol.RequestMessage{Index: 0, Begin: 8, Length: 4}
	sendBlocked(conn, peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4})
	conn.SendPiece(b, data)
	conn.SendPiece(c, data)

	id, _ := readFrame(t, remote)
	assert.Equal(t, peerprotocol.Piece, id)
	id, _ = readFrame(t, remote)
	assert.Equal(t, peerprotocol.Piece, id)
	id, payload := readFrame(t, remote)
	assert.Equal(t, peerprotocol.Reject, id)
	assert.Equal(t, marshal(c), payload)
}

func TestBlockUploaded(t *testing.T) {
	defer leaktest.Check(t)()
	conn, remote := newTestConn(t, testConfig)
	defer conn.Close()

	conn.SendPiece(peerprotocol.RequestMessage{Index: 0, Begin: 0, Length: 4}, data)
	readFrame(t, remote)
	assert.Equal(t, peerwriter.BlockUploaded{Length: 4}, <-conn.Messages())
}
