package torrent

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/rainwire/diskio/memdisk"
	"github.com/cenkalti/rainwire/internal/bitfield"
	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wirePeer is a remote peer driven by the test over a real TCP connection.
type wirePeer struct {
	t    *testing.T
	conn net.Conn

	m        sync.Mutex
	requests []peerprotocol.RequestMessage

	stopC   chan struct{}
	closedC chan struct{}
}

// connectWirePeer makes the torrent dial a listener and completes the handshake on the accepted connection.
func connectWirePeer(t *testing.T, tor *Torrent, extensions btconn.Extensions) *wirePeer {
	t.Helper()
	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	// Redials after disconnect are refused.
	defer l.Close()
	require.NoError(t, l.SetDeadline(time.Now().Add(5*time.Second)))

	tor.AddPeers([]PeerAddr{{Addr: l.Addr().(*net.TCPAddr)}})
	conn, err := l.Accept()
	require.NoError(t, err)

	hs := make([]byte, btconn.HandshakeLength)
	_, err = io.ReadFull(conn, hs)
	require.NoError(t, err)
	assert.Equal(t, tor.InfoHash(), *(*[20]byte)(hs[28:48]))

	var id [20]byte
	copy(id[:], "-WP0001-wirepeer0001")
	b := make([]byte, 0, btconn.HandshakeLength)
	b = append(b, 19)
	b = append(b, "BitTorrent protocol"...)
	b = append(b, extensions[:]...)
	ih := tor.InfoHash()
	b = append(b, ih[:]...)
	b = append(b, id[:]...)
	_, err = conn.Write(b)
	require.NoError(t, err)

	p := &wirePeer{
		t:       t,
		conn:    conn,
		stopC:   make(chan struct{}),
		closedC: make(chan struct{}),
	}
	go p.readLoop()
	require.Eventually(t, func() bool { return tor.NumPeers() == 1 }, 5*time.Second, 10*time.Millisecond)
	return p
}

func (p *wirePeer) readLoop() {
	defer close(p.closedC)
	var lb [4]byte
	for {
		if _, err := io.ReadFull(p.conn, lb[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lb[:])
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(p.conn, buf); err != nil {
			return
		}
		if peerprotocol.MessageID(buf[0]) != peerprotocol.Request {
			continue
		}
		var r peerprotocol.RequestMessage
		if r.UnmarshalBinary(buf[1:]) == nil {
			p.m.Lock()
			p.requests = append(p.requests, r)
			p.m.Unlock()
		}
	}
}

// Requests returns the request messages received so far.
func (p *wirePeer) Requests() []peerprotocol.RequestMessage {
	p.m.Lock()
	defer p.m.Unlock()
	return append([]peerprotocol.RequestMessage(nil), p.requests...)
}

func (p *wirePeer) write(id peerprotocol.MessageID, payload []byte) {
	b := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(b, uint32(1+len(payload)))
	b[4] = byte(id)
	copy(b[5:], payload)
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func (p *wirePeer) Send(msg peerprotocol.Message) {
	payload, err := msg.MarshalBinary()
	require.NoError(p.t, err)
	p.write(msg.ID(), payload)
}

func (p *wirePeer) SendPiece(index, begin uint32, data []byte) {
	header, err := peerprotocol.PieceMessage{Index: index, Begin: begin}.MarshalBinary()
	require.NoError(p.t, err)
	p.write(peerprotocol.Piece, append(header, data...))
}

func (p *wirePeer) SendAllPieces() {
	bf := bitfield.New(5)
	bf.SetAll()
	p.Send(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
}

// KeepAlive sends keep-alive messages until the peer is closed.
func (p *wirePeer) KeepAlive(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := p.conn.Write([]byte{0, 0, 0, 0}); err != nil {
					return
				}
			case <-p.stopC:
				return
			}
		}
	}()
}

// Disconnected returns a channel that is closed when the torrent closes the connection.
func (p *wirePeer) Disconnected() <-chan struct{} {
	return p.closedC
}

func (p *wirePeer) Close() {
	close(p.stopC)
	p.conn.Close()
	<-p.closedC
}

func singlePeer(t *testing.T, tor *Torrent) Peer {
	t.Helper()
	peers := tor.Peers()
	require.Len(t, peers, 1)
	return peers[0]
}

func newWireLeecher(t *testing.T, cfg Config) (*Session, *Torrent, *memdisk.Disk) {
	s := newTestSession(t, cfg)
	tor, disk := addLeecher(t, s)
	return s, tor, disk
}

func TestSilentPeerIsDisconnected(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	cfg := testConfig()
	cfg.PieceTimeout = 300 * time.Millisecond
	// Requests time out many times before the piece timeout.
	cfg.RequestTimeout = 50 * time.Millisecond
	s, tor, disk := newWireLeecher(t, cfg)
	defer s.Close()
	defer disk.Close()

	p := connectWirePeer(t, tor, btconn.Extensions{})
	defer p.Close()
	p.SendAllPieces()
	p.Send(peerprotocol.UnchokeMessage{})
	p.KeepAlive(20 * time.Millisecond)

	require.Eventually(t, func() bool { return len(p.Requests()) > 0 }, 5*time.Second, 10*time.Millisecond)
	select {
	case <-p.Disconnected():
	case <-time.After(3 * time.Second):
		t.Fatal("peer that does not send blocks is still connected")
	}
	require.Eventually(t, func() bool { return tor.NumPeers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestPeerSendingBlocksIsNotSnubbed(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	cfg := testConfig()
	cfg.PieceTimeout = 300 * time.Millisecond
	cfg.RequestQueueLength = 1
	s, tor, disk := newWireLeecher(t, cfg)
	defer s.Close()
	defer disk.Close()

	p := connectWirePeer(t, tor, btconn.Extensions{})
	defer p.Close()
	p.SendAllPieces()
	p.Send(peerprotocol.UnchokeMessage{})

	// Serve one block at a time, slower than the piece timeout in total but faster per block.
	served := 0
	deadline := time.Now().Add(10 * time.Second)
	for served < 4 && time.Now().Before(deadline) {
		reqs := p.Requests()
		if len(reqs) <= served {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r := reqs[served]
		time.Sleep(100 * time.Millisecond)
		off := int64(r.Index)*testPieceLength + int64(r.Begin)
		p.SendPiece(r.Index, r.Begin, testData[off:off+int64(r.Length)])
		served++
	}
	require.Equal(t, 4, served)
	assert.Equal(t, 1, tor.NumPeers())
}

func TestChokeCancelsRequests(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	s, tor, disk := newWireLeecher(t, testConfig())
	defer s.Close()
	defer disk.Close()

	p := connectWirePeer(t, tor, btconn.Extensions{})
	defer p.Close()
	p.SendAllPieces()
	p.Send(peerprotocol.UnchokeMessage{})
	require.Eventually(t, func() bool { return singlePeer(t, tor).Requests > 0 }, 5*time.Second, 10*time.Millisecond)

	p.Send(peerprotocol.ChokeMessage{})
	require.Eventually(t, func() bool { return singlePeer(t, tor).Requests == 0 }, 5*time.Second, 10*time.Millisecond)
	// Nothing is requested while choked.
	time.Sleep(50 * time.Millisecond)
	n := len(p.Requests())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, singlePeer(t, tor).Requests)
	assert.Equal(t, n, len(p.Requests()))
	assert.Equal(t, 1, tor.NumPeers())
}

func TestChokeKeepsAllowedFastRequests(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	s, tor, disk := newWireLeecher(t, testConfig())
	defer s.Close()
	defer disk.Close()

	p := connectWirePeer(t, tor, btconn.NewExtensions(true, false, false))
	defer p.Close()
	p.Send(peerprotocol.HaveAllMessage{})
	p.Send(peerprotocol.AllowedFastMessage{HaveMessage: peerprotocol.HaveMessage{Index: 2}})
	p.Send(peerprotocol.UnchokeMessage{})
	// Piece 2 has two blocks, others are requested after unchoke.
	require.Eventually(t, func() bool { return singlePeer(t, tor).Requests > 2 }, 5*time.Second, 10*time.Millisecond)

	p.Send(peerprotocol.ChokeMessage{})
	require.Eventually(t, func() bool { return singlePeer(t, tor).Requests == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	before := len(p.Requests())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, singlePeer(t, tor).Requests)
	for _, r := range p.Requests()[before:] {
		assert.Equal(t, uint32(2), r.Index)
	}
}

func TestRejectedBlockIsRequestedAgain(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	s, tor, disk := newWireLeecher(t, testConfig())
	defer s.Close()
	defer disk.Close()

	p := connectWirePeer(t, tor, btconn.NewExtensions(true, false, false))
	defer p.Close()
	p.Send(peerprotocol.HaveAllMessage{})
	p.Send(peerprotocol.UnchokeMessage{})
	p.Send(peerprotocol.InterestedMessage{})
	require.Eventually(t, func() bool { return len(p.Requests()) > 0 }, 5*time.Second, 10*time.Millisecond)

	r := p.Requests()[0]
	p.Send(peerprotocol.RejectMessage{RequestMessage: r})
	require.Eventually(t, func() bool {
		var n int
		for _, req := range p.Requests() {
			if req == r {
				n++
			}
		}
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tor.NumPeers())

	// Remote peer is unchoked immediately when it becomes interested.
	require.Eventually(t, func() bool { return tor.Stats().Peers.Unchoked == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, singlePeer(t, tor).AmChoking)
}

func TestUnrequestedBlockIsWasted(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	s, tor, disk := newWireLeecher(t, testConfig())
	defer s.Close()
	defer disk.Close()

	p := connectWirePeer(t, tor, btconn.Extensions{})
	defer p.Close()
	p.SendAllPieces()
	// Peer keeps choking, so nothing is requested.
	p.SendPiece(0, 0, testData[:16*1024])

	require.Eventually(t, func() bool { return tor.Stats().Bytes.Wasted == 16*1024 }, 5*time.Second, 10*time.Millisecond)
	stats := tor.Stats()
	assert.Equal(t, int64(0), stats.Bytes.Downloaded)
	assert.Equal(t, uint32(0), stats.Pieces.Have)
	assert.Equal(t, 1, tor.NumPeers())
	select {
	case <-p.Disconnected():
		t.Fatal("connection is closed")
	default:
	}
}

func TestOutgoingHandshakeStats(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	s, tor, disk := newWireLeecher(t, testConfig())
	defer s.Close()
	defer disk.Close()

	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer l.Close()
	tor.AddPeers([]PeerAddr{{Addr: l.Addr().(*net.TCPAddr)}})
	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return tor.Stats().Handshakes.HandshakeSent == 1 }, 5*time.Second, 10*time.Millisecond)
	stats := tor.Stats()
	assert.Equal(t, 1, stats.Handshakes.Outgoing)
	assert.Equal(t, 0, stats.Handshakes.Connecting)
	assert.Equal(t, 0, stats.Peers.Total)
}
