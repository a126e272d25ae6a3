// Package btconn provides support for dialing and accepting BitTorrent connections.
package btconn

import (
	"io"
	"net"
)

// Encrypter negotiates an encrypted channel before the BitTorrent handshake.
// Returned connection is used for the rest of the communication.
type Encrypter interface {
	Outgoing(conn net.Conn, infoHash [20]byte) (net.Conn, error)
	// Incoming is called when the first bytes received on the connection is not the protocol string.
	// Bytes that are already read are replayed on conn.
	Incoming(conn net.Conn) (net.Conn, error)
}

type readWriter struct {
	io.Reader
	io.Writer
}

type rwConn struct {
	rw io.ReadWriter
	net.Conn
}

func (c *rwConn) Read(p []byte) (n int, err error)  { return c.rw.Read(p) }
func (c *rwConn) Write(p []byte) (n int, err error) { return c.rw.Write(p) }
