package torrent

import (
	"net"
	"sync"
	"time"

	"github.com/cenkalti/rainwire/diskio"
	"github.com/cenkalti/rainwire/internal/addrlist"
	"github.com/cenkalti/rainwire/internal/bitfield"
	"github.com/cenkalti/rainwire/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rainwire/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/peer"
	"github.com/cenkalti/rainwire/internal/piece"
	"github.com/cenkalti/rainwire/internal/piecepicker"
	"github.com/cenkalti/rainwire/internal/unchoker"
	"github.com/gofrs/uuid"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

// Torrent downloads and seeds the data of a single torrent.
// All state is owned by the event loop goroutine; exported methods communicate with it over channels.
type Torrent struct {
	session *Session
	config  *Config
	id      string
	log     logger.Logger

	infoHash [20]byte
	layout   piece.Layout
	hashes   [][20]byte
	storage  diskio.DiskIO

	// Pieces that we have. Bits are set by the piece picker when a piece is verified.
	bitfield    *bitfield.Bitfield
	piecePicker *piecepicker.Picker
	pieceRange  piecepicker.Range
	completed   bool
	completeC   chan struct{}

	// Peers are indexed by their handles. Other components refer to peers only by handle.
	// mPeers must be locked before a peer's lock.
	mPeers     sync.RWMutex
	peers      map[piecepicker.Handle]*peer.Peer
	peerIDs    map[[20]byte]struct{}
	nextHandle piecepicker.Handle
	// Dialed addresses of outgoing peers. Used for giving back the address to addrList.
	// Guarded by mPeers.
	outgoingPeers map[piecepicker.Handle]*net.TCPAddr
	incomingPeers map[piecepicker.Handle]struct{}

	addrList    *addrlist.AddrList
	dialLimiter *rate.Limiter
	unchoker    *unchoker.Unchoker

	outgoingHandshakers       map[*outgoinghandshaker.OutgoingHandshaker]struct{}
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker
	incomingConnC             chan *incominghandshaker.IncomingHandshaker

	messages          chan peer.Message
	peerDisconnectedC chan *peer.Peer
	writeDoneC        chan writeResult

	addPeersCommandC chan []PeerAddr
	statsCommandC    chan statsRequest
	rangeCommandC    chan piecepicker.Range

	downloadSpeed   metrics.EWMA
	uploadSpeed     metrics.EWMA
	bytesDownloaded metrics.Counter
	bytesUploaded   metrics.Counter
	bytesWasted     metrics.Counter

	// Fatal storage error. Torrent stops downloading when it is set.
	lastError error
	errC      chan error

	// Set when the event loop starts closing peers.
	closing   bool
	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
}

func newTorrent(s *Session, opt AddTorrentOptions) (*Torrent, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	id := u.String()
	layout := opt.layout()
	bf := bitfield.New(layout.NumPieces)
	t := &Torrent{
		session:                   s,
		config:                    &s.config,
		id:                        id,
		log:                       logger.New("torrent " + id[:8]),
		infoHash:                  opt.InfoHash,
		layout:                    layout,
		hashes:                    opt.PieceHashes,
		storage:                   opt.Storage,
		bitfield:                  bf,
		pieceRange:                piecepicker.Range{Begin: 0, End: layout.NumPieces},
		completeC:                 make(chan struct{}),
		peers:                     make(map[piecepicker.Handle]*peer.Peer),
		peerIDs:                   make(map[[20]byte]struct{}),
		nextHandle:                1,
		outgoingPeers:             make(map[piecepicker.Handle]*net.TCPAddr),
		incomingPeers:             make(map[piecepicker.Handle]struct{}),
		addrList:                  addrlist.New(s.config.MaxPeerAddresses, s.config.MaxPeerRetries, s.Port()),
		dialLimiter:               rate.NewLimiter(rate.Limit(s.config.DialRateLimit), 1),
		unchoker:                  unchoker.New(s.config.UnchokedPeers, s.config.OptimisticUnchokedPeers, nil),
		outgoingHandshakers:       make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),
		incomingConnC:             make(chan *incominghandshaker.IncomingHandshaker),
		messages:                  make(chan peer.Message),
		peerDisconnectedC:         make(chan *peer.Peer),
		writeDoneC:                make(chan writeResult),
		addPeersCommandC:          make(chan []PeerAddr),
		statsCommandC:             make(chan statsRequest),
		rangeCommandC:             make(chan piecepicker.Range),
		downloadSpeed:             metrics.NewEWMA1(),
		uploadSpeed:               metrics.NewEWMA1(),
		bytesDownloaded:           metrics.NewCounter(),
		bytesUploaded:             metrics.NewCounter(),
		bytesWasted:               metrics.NewCounter(),
		errC:                      make(chan error, 1),
		closeC:                    make(chan struct{}),
		doneC:                     make(chan struct{}),
	}
	if opt.Verify {
		t.verifyExisting()
	}
	t.piecePicker = piecepicker.New(layout, bf, piecepicker.Config{
		EndgameThreshold:     s.config.EndgameThreshold,
		MaxDuplicateRequests: s.config.EndgameMaxDuplicateRequests,
	})
	t.checkCompletion()
	return t, nil
}

// verifyExisting sets the bits of pieces that are already in the storage.
func (t *Torrent) verifyExisting() {
	for i := uint32(0); i < t.layout.NumPieces; i++ {
		sum, err := t.storage.GetHash(i)
		if err != nil {
			t.log.Debugf("cannot hash piece #%d: %s", i, err)
			continue
		}
		if sum == t.hashes[i] {
			t.bitfield.Set(i)
		}
	}
	t.log.Infof("verified existing data: %d/%d pieces", t.bitfield.Count(), t.layout.NumPieces)
}

// ID is a unique identifier of the Torrent in the Session.
func (t *Torrent) ID() string {
	return t.id
}

// InfoHash of the torrent.
func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

// Close disconnects all peers and stops the Torrent. Storage is not closed.
func (t *Torrent) Close() {
	t.closeOnce.Do(func() {
		close(t.closeC)
	})
	<-t.doneC
}

// NotifyComplete returns a channel that is closed when all pieces are downloaded and verified.
func (t *Torrent) NotifyComplete() <-chan struct{} {
	return t.completeC
}

// NotifyError returns a channel that receives the storage error that stopped the download.
func (t *Torrent) NotifyError() <-chan error {
	return t.errC
}

// AddPeers adds peer addresses to be dialed.
func (t *Torrent) AddPeers(addrs []PeerAddr) {
	select {
	case t.addPeersCommandC <- addrs:
	case <-t.closeC:
	}
}

// SetDownloadRange limits selection of new pieces to the range [begin, end).
// An end value of zero means the last piece.
func (t *Torrent) SetDownloadRange(begin, end uint32) {
	select {
	case t.rangeCommandC <- piecepicker.Range{Begin: begin, End: end}:
	case <-t.closeC:
	}
}

// NumPeers returns the number of connected peers.
func (t *Torrent) NumPeers() int {
	t.mPeers.RLock()
	defer t.mPeers.RUnlock()
	return len(t.peers)
}

// Peer is the information about a connected peer.
type Peer struct {
	Addr           net.Addr
	ID             [20]byte
	State          string
	Outgoing       bool
	FastExtension  bool
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	Optimistic     bool
	HashFails      int
	// Number of outstanding block requests to the peer.
	Requests       int
	DownloadSpeed  float64
	UploadSpeed    float64
	LastMessageAt  time.Time
}

// Peers returns the list of connected peers.
func (t *Torrent) Peers() []Peer {
	t.mPeers.RLock()
	defer t.mPeers.RUnlock()
	ret := make([]Peer, 0, len(t.peers))
	for h, pe := range t.peers {
		_, outgoing := t.outgoingPeers[h]
		state := pe.State()
		pe.Lock()
		p := Peer{
			Addr:           pe.Addr(),
			ID:             pe.ID,
			State:          state.String(),
			Outgoing:       outgoing,
			FastExtension:  pe.FastEnabled,
			AmChoking:      pe.AmChoking,
			AmInterested:   pe.AmInterested,
			PeerChoking:    pe.PeerChoking,
			PeerInterested: pe.PeerInterested,
			Optimistic:     pe.OptimisticUnchoked,
			HashFails:      pe.HashFails,
			LastMessageAt:  pe.LastMessageAt,
		}
		pe.Unlock()
		p.Requests = t.piecePicker.CurrentRequestCount(h)
		p.DownloadSpeed = pe.DownloadRate()
		p.UploadSpeed = pe.UploadRate()
		ret = append(ret, p)
	}
	return ret
}
