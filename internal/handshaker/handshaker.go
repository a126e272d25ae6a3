// Package handshaker contains the settings shared by incoming and outgoing handshakers.
package handshaker

import (
	"io"
	"net"
	"time"

	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/logger"
)

// Config of a handshake.
type Config struct {
	PeerID     [20]byte
	Extensions btconn.Extensions
	Timeout    time.Duration
	// Optional
	Encrypter btconn.Encrypter
}

// LogError logs the handshake error at a level depending on the cause.
func LogError(log logger.Logger, err error) {
	if err == io.EOF {
		log.Debug("peer has closed the connection: EOF")
	} else if err == io.ErrUnexpectedEOF {
		log.Debug("peer has closed the connection: Unexpected EOF")
	} else if _, ok := err.(*net.OpError); ok {
		log.Debugln("net operation error:", err)
	} else if _, ok := err.(*btconn.Error); ok {
		log.Debugln("protocol error:", err)
	} else {
		log.Debugln("cannot complete handshake:", err)
	}
}
