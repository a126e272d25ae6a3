package torrent

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type sessionMetrics struct {
	registry metrics.Registry

	Uptime          metrics.Gauge
	Torrents        metrics.Gauge
	BuffersInUse    metrics.Gauge
	BufferBytes     metrics.Gauge
	DownloadTokens  metrics.Gauge
	DownloadQueued  metrics.Gauge
	UploadTokens    metrics.Gauge
	UploadQueued    metrics.Gauge
	Peers           metrics.Counter
	HandshakeErrors metrics.Counter
	HashFailures    metrics.Counter
	BytesDownloaded metrics.Counter
	BytesUploaded   metrics.Counter
	BytesWasted     metrics.Counter
}

func (s *Session) initMetrics() {
	r := metrics.NewRegistry()
	uptime := func() int64 { return int64(time.Since(s.createdAt) / time.Second) }
	torrents := func() int64 {
		s.mTorrents.RLock()
		defer s.mTorrents.RUnlock()
		return int64(len(s.torrents))
	}
	buffersInUse := func() int64 { return int64(s.bufferPool.InUse()) }
	bufferBytes := func() int64 { return int64(s.bufferPool.InUse() * s.bufferPool.BufferLength()) }
	// Limiter token gauges are -1 when there is no limit.
	downloadQueued := func() int64 { return int64(s.downloadLimiter.Queued()) }
	uploadQueued := func() int64 { return int64(s.uploadLimiter.Queued()) }
	s.metrics = &sessionMetrics{
		registry: r,

		Uptime:       metrics.NewRegisteredFunctionalGauge("uptime", r, uptime),
		Torrents:     metrics.NewRegisteredFunctionalGauge("torrents", r, torrents),
		BuffersInUse: metrics.NewRegisteredFunctionalGauge("buffers_in_use", r, buffersInUse),
		BufferBytes:  metrics.NewRegisteredFunctionalGauge("buffer_bytes_in_use", r, bufferBytes),

		DownloadTokens:  metrics.NewRegisteredFunctionalGauge("download_limit_tokens", r, s.downloadLimiter.Available),
		DownloadQueued:  metrics.NewRegisteredFunctionalGauge("download_limit_queued", r, downloadQueued),
		UploadTokens:    metrics.NewRegisteredFunctionalGauge("upload_limit_tokens", r, s.uploadLimiter.Available),
		UploadQueued:    metrics.NewRegisteredFunctionalGauge("upload_limit_queued", r, uploadQueued),
		Peers:           metrics.NewRegisteredCounter("peers", r),
		HandshakeErrors: metrics.NewRegisteredCounter("handshake_errors", r),
		HashFailures:    metrics.NewRegisteredCounter("hash_failures", r),
		BytesDownloaded: metrics.NewRegisteredCounter("bytes_downloaded", r),
		BytesUploaded:   metrics.NewRegisteredCounter("bytes_uploaded", r),
		BytesWasted:     metrics.NewRegisteredCounter("bytes_wasted", r),
	}
}

func (m *sessionMetrics) close() {
	m.registry.UnregisterAll()
}

// Metrics returns the registry containing the counters and gauges of the Session.
func (s *Session) Metrics() metrics.Registry {
	return s.metrics.registry
}
