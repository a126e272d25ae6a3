package outgoinghandshaker

import (
	"net"
	"testing"
	"time"

	"github.com/cenkalti/rainwire/internal/handshaker"
	"github.com/cenkalti/rainwire/internal/peer"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateWhileWaitingHandshake(t *testing.T) {
	defer leaktest.Check(t)()

	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer l.Close()

	h := New(l.Addr().(*net.TCPAddr))
	assert.Equal(t, peer.Connecting, h.State())

	resultC := make(chan *OutgoingHandshaker)
	go h.Run(handshaker.Config{Timeout: time.Minute}, time.Second, [20]byte{1}, resultC)

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.State() == peer.HandshakeSent }, time.Second, time.Millisecond)

	h.Close()
	assert.Equal(t, peer.HandshakeSent, h.State())
}

func TestDialError(t *testing.T) {
	defer leaktest.Check(t)()

	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	h := New(addr)
	resultC := make(chan *OutgoingHandshaker)
	go h.Run(handshaker.Config{Timeout: time.Minute}, time.Second, [20]byte{1}, resultC)
	select {
	case res := <-resultC:
		assert.Equal(t, h, res)
		assert.Error(t, res.Error)
		assert.Equal(t, peer.Connecting, res.State())
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}
	h.Close()
}
