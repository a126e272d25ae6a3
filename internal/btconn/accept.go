package btconn

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/cenkalti/rainwire/internal/logger"
)

// Accept BitTorrent handshake from the connection.
// If an Encrypter is given, connections that do not start with the protocol string are passed to it.
// Returns a new connection that is ready for sending/receiving BitTorrent protocol messages.
func Accept(
	conn net.Conn,
	handshakeTimeout time.Duration,
	enc Encrypter,
	hasInfoHash func([20]byte) bool,
	ourExtensions Extensions,
	ourID [20]byte) (
	encConn net.Conn, peerExtensions Extensions, peerID [20]byte, infoHash [20]byte, err error) {
	log := logger.New("conn <- " + conn.RemoteAddr().String())

	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}

	// Try to do unencrypted handshake first.
	// Bytes read by readHandshake1 are replayed to the Encrypter if the protocol string is not valid.
	var (
		buf    bytes.Buffer
		reader = io.TeeReader(conn, &buf)
	)
	peerExtensions, infoHash, err = readHandshake1(reader)
	if err == ErrInvalidProtocol && enc != nil {
		conn = &rwConn{readWriter{io.MultiReader(&buf, conn), conn}, conn}
		conn, err = enc.Incoming(conn)
		if err != nil {
			return
		}
		log.Debug("Encryption handshake is successful.")
		peerExtensions, infoHash, err = readHandshake1(conn)
	}
	if err != nil {
		return
	}
	if !hasInfoHash(infoHash) {
		err = ErrInvalidInfoHash
		return
	}
	if err = writeHandshake(conn, infoHash, ourID, ourExtensions); err != nil {
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
