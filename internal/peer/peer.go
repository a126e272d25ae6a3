// Package peer contains the state of a connected peer in a torrent.
package peer

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cenkalti/rainwire/internal/bitfield"
	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/peerconn"
	"github.com/cenkalti/rainwire/internal/peerconn/peerreader"
	"github.com/cenkalti/rainwire/internal/peerprotocol"
	"github.com/cenkalti/rainwire/internal/piecepicker"
	"github.com/rcrowley/go-metrics"
)

// Peer is a connected peer in a torrent.
// Exported fields below the embedded Mutex must be accessed while holding the lock.
// When both are needed, the torrent's peer list lock must be acquired before the peer lock.
type Peer struct {
	*peerconn.Conn

	Handle     piecepicker.Handle
	ID         [20]byte
	Extensions btconn.Extensions
	// Fast extension is enabled if both sides support it.
	FastEnabled bool
	// Extension protocol is enabled if both sides support it.
	ExtensionProtocol bool

	sync.Mutex

	state State

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	OptimisticUnchoked bool

	// Pieces that the remote peer has.
	Bitfield *bitfield.Bitfield
	// Pieces that we can download while choked.
	AllowedFast *roaring.Bitmap
	// Pieces that are suggested by the peer.
	Suggested *roaring.Bitmap
	// Pieces that we allow the peer to download while choked.
	SentAllowedFast *roaring.Bitmap

	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage

	LastMessageAt time.Time
	// Time of the last accepted block, or the time of the first request since then.
	// Zero when the peer is not expected to send a block.
	LastPieceAt time.Time

	// Number of pieces failed hash check that contain data from this peer.
	HashFails int

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	closeC chan struct{}
	doneC  chan struct{}
}

// Message is a message received from a peer.
type Message struct {
	*Peer
	Message interface{}
}

// New returns a new Peer wrapping the connection.
// Extensions must contain only the extensions supported by both sides.
func New(conn *peerconn.Conn, h piecepicker.Handle, id [20]byte, extensions btconn.Extensions, numPieces uint32, state State) *Peer {
	return &Peer{
		Conn:              conn,
		Handle:            h,
		ID:                id,
		Extensions:        extensions,
		FastEnabled:       extensions.Fast(),
		ExtensionProtocol: extensions.ExtensionProtocol(),
		state:             state,
		AmChoking:         true,
		PeerChoking:       true,
		Bitfield:          bitfield.New(numPieces),
		AllowedFast:       roaring.New(),
		Suggested:         roaring.New(),
		SentAllowedFast:   roaring.New(),
		LastMessageAt:     time.Now(),
		downloadSpeed:     metrics.NewEWMA1(),
		uploadSpeed:       metrics.NewEWMA1(),
		closeC:            make(chan struct{}),
		doneC:             make(chan struct{}),
	}
}

// State returns the connection state.
func (p *Peer) State() State {
	p.Lock()
	defer p.Unlock()
	return p.state
}

// SetState sets the connection state.
func (p *Peer) SetState(s State) {
	p.Lock()
	p.state = s
	p.Unlock()
}

// Close the connection and wait for Run to return.
func (p *Peer) Close() {
	p.SetState(Closed)
	close(p.closeC)
	p.Conn.Close()
	<-p.doneC
}

// Run forwards the messages of the connection to the messages channel.
// The peer is sent to the disconnect channel when the connection is closed by the remote side or by an error.
func (p *Peer) Run(messages chan Message, disconnect chan *Peer) {
	defer close(p.doneC)
	go p.Conn.Run()
	for {
		select {
		case pm, ok := <-p.Conn.Messages():
			if !ok {
				select {
				case disconnect <- p:
				case <-p.closeC:
				}
				return
			}
			select {
			case messages <- Message{Peer: p, Message: pm}:
			case <-p.closeC:
				if piece, ok := pm.(peerreader.Piece); ok {
					piece.Buffer.Release()
				}
				return
			}
		case <-p.closeC:
			return
		}
	}
}

// PickerPeer returns the view of the peer for the piece picker.
func (p *Peer) PickerPeer() *piecepicker.Peer {
	p.Lock()
	defer p.Unlock()
	return &piecepicker.Peer{
		Handle:            p.Handle,
		Bitfield:          p.Bitfield,
		Choking:           p.PeerChoking,
		FastEnabled:       p.FastEnabled,
		AllowedFast:       p.AllowedFast,
		Suggested:         p.Suggested,
		RepeatedHashFails: p.HashFails,
	}
}

// Choke the peer. Queued piece messages are rolled back before the choke message is sent.
func (p *Peer) Choke() {
	p.Lock()
	p.AmChoking = true
	p.Unlock()
	p.SendMessage(peerprotocol.ChokeMessage{})
}

// Unchoke the peer.
func (p *Peer) Unchoke() {
	p.Lock()
	p.AmChoking = false
	p.Unlock()
	p.SendMessage(peerprotocol.UnchokeMessage{})
}

// Choking returns true if we are choking the peer.
func (p *Peer) Choking() bool {
	p.Lock()
	defer p.Unlock()
	return p.AmChoking
}

// Interested returns true if the peer is interested in our pieces.
func (p *Peer) Interested() bool {
	p.Lock()
	defer p.Unlock()
	return p.PeerInterested
}

// SetOptimistic sets the optimistic unchoke status of the peer.
func (p *Peer) SetOptimistic(value bool) {
	p.Lock()
	p.OptimisticUnchoked = value
	p.Unlock()
}

// Optimistic returns true if the peer is unchoked optimistically.
func (p *Peer) Optimistic() bool {
	p.Lock()
	defer p.Unlock()
	return p.OptimisticUnchoked
}

// BlockDownloaded must be called when a block is accepted from the peer.
func (p *Peer) BlockDownloaded(n int64, now time.Time) {
	p.downloadSpeed.Update(n)
	p.Lock()
	p.LastPieceAt = now
	p.Unlock()
}

// BlockUploaded must be called when a block is sent to the peer.
func (p *Peer) BlockUploaded(n int64) {
	p.uploadSpeed.Update(n)
}

// TickSpeed must be called every 5 seconds to update the download and upload rates.
func (p *Peer) TickSpeed() {
	p.downloadSpeed.Tick()
	p.uploadSpeed.Tick()
}

// DownloadRate returns the download rate from the peer in bytes per second.
func (p *Peer) DownloadRate() float64 {
	return p.downloadSpeed.Rate()
}

// UploadRate returns the upload rate to the peer in bytes per second.
func (p *Peer) UploadRate() float64 {
	return p.uploadSpeed.Rate()
}
