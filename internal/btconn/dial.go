package btconn

import (
	"context"
	"net"
	"time"
)

// Outgoing does the handshake on a connection that is initiated by us.
// The connection is closed if handshake fails.
func Outgoing(
	ctx context.Context,
	conn net.Conn,
	handshakeTimeout time.Duration,
	enc Encrypter,
	ourExtensions Extensions,
	ih [20]byte,
	ourID [20]byte) (
	encConn net.Conn, peerExtensions Extensions, peerID [20]byte, err error) {
	done := make(chan struct{})
	defer close(done)
	defer func(conn net.Conn) {
		if err != nil {
			conn.Close()
		}
	}(conn)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Handshake must be completed in allowed duration.
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	if enc != nil {
		conn, err = enc.Outgoing(conn, ih)
		if err != nil {
			return
		}
	}
	if err = writeHandshake(conn, ih, ourID, ourExtensions); err != nil {
		return
	}

	var ihRead [20]byte
	peerExtensions, ihRead, err = readHandshake1(conn)
	if err != nil {
		return
	}
	if ihRead != ih {
		err = ErrInvalidInfoHash
		return
	}
	peerID, err = readHandshake2(conn)
	if err != nil {
		return
	}
	if peerID == ourID {
		err = ErrOwnConnection
		return
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		return
	}
	encConn = conn
	return
}
