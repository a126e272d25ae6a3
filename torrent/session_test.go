package torrent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/rainwire/diskio/memdisk"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTorrentValidation(t *testing.T) {
	defer leaktest.Check(t)()

	s := newTestSession(t, testConfig())
	defer s.Close()
	disk := memdisk.New(testTotalLength, testPieceLength)
	defer disk.Close()
	hashes := memdisk.PieceHashes(testData, testPieceLength)

	_, err := s.AddTorrent(AddTorrentOptions{InfoHash: testInfoHash, TotalLength: testTotalLength, PieceHashes: hashes, Storage: disk})
	assert.Equal(t, errInvalidPieceLength, err)
	_, err = s.AddTorrent(AddTorrentOptions{InfoHash: testInfoHash, PieceLength: testPieceLength, PieceHashes: hashes, Storage: disk})
	assert.Equal(t, errInvalidLength, err)
	_, err = s.AddTorrent(AddTorrentOptions{InfoHash: testInfoHash, PieceLength: testPieceLength, TotalLength: testTotalLength, PieceHashes: hashes[1:], Storage: disk})
	assert.Equal(t, errPieceHashes, err)
	_, err = s.AddTorrent(AddTorrentOptions{InfoHash: testInfoHash, PieceLength: testPieceLength, TotalLength: testTotalLength, PieceHashes: hashes})
	assert.Equal(t, errNoStorage, err)

	opt := AddTorrentOptions{InfoHash: testInfoHash, PieceLength: testPieceLength, TotalLength: testTotalLength, PieceHashes: hashes, Storage: disk}
	tor, err := s.AddTorrent(opt)
	require.NoError(t, err)
	_, err = s.AddTorrent(opt)
	assert.Equal(t, ErrTorrentExists, err)

	assert.Equal(t, tor, s.GetTorrent(testInfoHash))
	assert.Len(t, s.ListTorrents(), 1)
	assert.Equal(t, int64(1), s.Metrics().Get("torrents").(interface{ Value() int64 }).Value())

	require.NoError(t, s.RemoveTorrent(testInfoHash))
	assert.Equal(t, ErrTorrentNotFound, s.RemoveTorrent(testInfoHash))
	assert.Nil(t, s.GetTorrent(testInfoHash))
	assert.Equal(t, "closed", tor.Stats().Status)
}

func TestLimiterGauges(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := testConfig()
	cfg.SpeedLimitDownload = 4 * 16 * 1024
	s := newTestSession(t, cfg)
	defer s.Close()

	gauge := func(name string) int64 {
		return s.Metrics().Get(name).(interface{ Value() int64 }).Value()
	}
	assert.Equal(t, int64(4), gauge("download_limit_tokens"))
	assert.Equal(t, int64(0), gauge("download_limit_queued"))
	assert.Equal(t, int64(-1), gauge("upload_limit_tokens"))
	assert.Equal(t, int64(0), gauge("upload_limit_queued"))
	assert.Equal(t, int64(0), gauge("buffer_bytes_in_use"))
}

func TestPeerIDPrefix(t *testing.T) {
	s := newTestSession(t, testConfig())
	defer s.Close()
	id := s.PeerID()
	assert.Equal(t, DefaultConfig.PeerIDPrefix, string(id[:len(DefaultConfig.PeerIDPrefix)]))

	cfg := testConfig()
	cfg.PeerIDPrefix = "-this-prefix-is-too-long-"
	_, err := NewSession(cfg)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte("piece-timeout: 1m\nunchoked-peers: 5\nspeed-limit-download: 1024\n"), 0o600)
	require.NoError(t, err)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.PieceTimeout)
	assert.Equal(t, 5, cfg.UnchokedPeers)
	assert.Equal(t, int64(1024), cfg.SpeedLimitDownload)
	assert.Equal(t, DefaultConfig.RequestQueueLength, cfg.RequestQueueLength)

	cfg, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig, *cfg)

	err = os.WriteFile(path, []byte("unchoked-peers: [1"), 0o600)
	require.NoError(t, err)
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
