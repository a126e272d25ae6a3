// Package torrent implements a BitTorrent peer-wire engine: a Session accepts and dials peers,
// and each Torrent downloads and uploads pieces over the peer connections.
package torrent

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/rainwire/internal/btconn"
	"github.com/cenkalti/rainwire/internal/bufferpool"
	"github.com/cenkalti/rainwire/internal/handshaker"
	"github.com/cenkalti/rainwire/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/rainwire/internal/logger"
	"github.com/cenkalti/rainwire/internal/piece"
	"github.com/cenkalti/rainwire/internal/ratelimiter"
	"github.com/cenkalti/rainwire/internal/worker"
)

// DHTNodeAdder receives the DHT nodes announced by peers in port messages.
type DHTNodeAdder interface {
	AddNode(hostPort string)
}

// Option changes the behavior of a Session.
type Option func(*Session)

// WithDHT makes the Session forward DHT nodes learned from peers to d.
func WithDHT(d DHTNodeAdder) Option {
	return func(s *Session) { s.dht = d }
}

// WithEncrypter makes the Session pass the connections through e before the BitTorrent handshake.
func WithEncrypter(e btconn.Encrypter) Option {
	return func(s *Session) { s.encrypter = e }
}

// Session is the shared context of torrents: it owns the listening socket, the peer id, rate limiters and the block buffer pool.
type Session struct {
	config     Config
	log        logger.Logger
	peerID     [20]byte
	extensions btconn.Extensions
	listener   *net.TCPListener
	createdAt  time.Time

	dht       DHTNodeAdder
	encrypter btconn.Encrypter

	bufferPool      *bufferpool.Pool
	downloadLimiter *ratelimiter.Limiter
	uploadLimiter   *ratelimiter.Limiter

	mTorrents sync.RWMutex
	torrents  map[[20]byte]*Torrent

	metrics *sessionMetrics

	connC                     chan net.Conn
	incomingHandshakers       map[*incominghandshaker.IncomingHandshaker]struct{}
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker

	closeC    chan struct{}
	closeOnce sync.Once
	workers   worker.Workers
}

// NewSession starts listening for incoming peer connections and returns a new Session.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	l := logger.New("session")
	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("cannot listen port %d: %w", cfg.Port, err)
	}
	peerID, err := generatePeerID(cfg.PeerIDPrefix)
	if err != nil {
		listener.Close()
		return nil, err
	}
	s := &Session{
		config:                    cfg,
		log:                       l,
		peerID:                    peerID,
		extensions:                btconn.NewExtensions(cfg.FastExtension, cfg.ExtensionProtocol, cfg.DHTPort > 0),
		listener:                  listener,
		createdAt:                 time.Now(),
		bufferPool:                bufferpool.New(piece.BlockSize),
		downloadLimiter:           ratelimiter.New(cfg.SpeedLimitDownload),
		uploadLimiter:             ratelimiter.New(cfg.SpeedLimitUpload),
		torrents:                  make(map[[20]byte]*Torrent),
		connC:                     make(chan net.Conn),
		incomingHandshakers:       make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
		closeC:                    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.initMetrics()
	s.workers.Start(worker.Func(s.accept))
	s.workers.Start(worker.Func(s.run))
	s.log.Infof("Listening peer connections on port %d", s.Port())
	return s, nil
}

func generatePeerID(prefix string) ([20]byte, error) {
	var id [20]byte
	if len(prefix) > len(id) {
		return id, errors.New("peer id prefix is too long")
	}
	n := copy(id[:], prefix)
	_, err := rand.Read(id[n:])
	return id, err
}

// Port returns the TCP port that Session is listening for peers.
func (s *Session) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// PeerID returns the peer id that is sent in handshakes.
func (s *Session) PeerID() [20]byte {
	return s.peerID
}

// Close all torrents and stop listening.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
		s.listener.Close()
		s.workers.Stop()

		s.mTorrents.Lock()
		torrents := s.torrents
		s.torrents = make(map[[20]byte]*Torrent)
		s.mTorrents.Unlock()

		var wg sync.WaitGroup
		for _, t := range torrents {
			wg.Add(1)
			go func(t *Torrent) {
				t.Close()
				wg.Done()
			}(t)
		}
		wg.Wait()
		s.metrics.close()
	})
}

func (s *Session) accept(stopC chan struct{}) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeC:
			default:
				s.log.Errorln("cannot accept connection:", err)
			}
			return
		}
		select {
		case s.connC <- conn:
		case <-stopC:
			conn.Close()
			return
		}
	}
}

func (s *Session) handshakeConfig() handshaker.Config {
	return handshaker.Config{
		PeerID:     s.peerID,
		Extensions: s.extensions,
		Timeout:    s.config.PeerHandshakeTimeout,
		Encrypter:  s.encrypter,
	}
}

// run is the session loop. It starts incoming handshakes and routes the connections to torrents by info hash.
func (s *Session) run(stopC chan struct{}) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case conn := <-s.connC:
			if len(s.incomingHandshakers) >= s.config.MaxPeerAccept {
				s.log.Debugln("incoming handshake limit reached, rejecting peer", conn.RemoteAddr().String())
				conn.Close()
				break
			}
			h := incominghandshaker.New(conn)
			s.incomingHandshakers[h] = struct{}{}
			go h.Run(s.handshakeConfig(), s.hasInfoHash, s.incomingHandshakerResultC)
		case ih := <-s.incomingHandshakerResultC:
			delete(s.incomingHandshakers, ih)
			if ih.Error != nil {
				s.metrics.HandshakeErrors.Inc(1)
				break
			}
			s.mTorrents.RLock()
			t, ok := s.torrents[ih.InfoHash]
			s.mTorrents.RUnlock()
			if !ok {
				ih.Conn.Close()
				break
			}
			t.handleIncomingHandshake(ih)
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			s.downloadLimiter.Tick(elapsed)
			s.uploadLimiter.Tick(elapsed)
		case <-stopC:
			for ih := range s.incomingHandshakers {
				ih.Close()
			}
			return
		}
	}
}

func (s *Session) hasInfoHash(ih [20]byte) bool {
	s.mTorrents.RLock()
	defer s.mTorrents.RUnlock()
	_, ok := s.torrents[ih]
	return ok
}

// AddTorrent starts downloading and seeding a torrent.
func (s *Session) AddTorrent(opt AddTorrentOptions) (*Torrent, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	s.mTorrents.Lock()
	defer s.mTorrents.Unlock()
	if _, ok := s.torrents[opt.InfoHash]; ok {
		return nil, ErrTorrentExists
	}
	t, err := newTorrent(s, opt)
	if err != nil {
		return nil, err
	}
	s.torrents[opt.InfoHash] = t
	go t.run()
	return t, nil
}

// GetTorrent returns the torrent with the info hash. Returns nil if there is no such torrent.
func (s *Session) GetTorrent(infoHash [20]byte) *Torrent {
	s.mTorrents.RLock()
	defer s.mTorrents.RUnlock()
	return s.torrents[infoHash]
}

// ListTorrents returns all torrents in the Session.
func (s *Session) ListTorrents() []*Torrent {
	s.mTorrents.RLock()
	defer s.mTorrents.RUnlock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	return torrents
}

// RemoveTorrent closes the torrent and removes it from the Session. Storage of the torrent is not touched.
func (s *Session) RemoveTorrent(infoHash [20]byte) error {
	s.mTorrents.Lock()
	t, ok := s.torrents[infoHash]
	delete(s.torrents, infoHash)
	s.mTorrents.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}
	t.Close()
	return nil
}
