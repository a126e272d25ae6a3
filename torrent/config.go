package torrent

import (
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for Session.
type Config struct {
	// TCP port to listen for incoming peer connections. 0 means a random port.
	Port int `yaml:"port"`
	// Peer id is prefixed with this string. Remaining bytes are random.
	PeerIDPrefix string `yaml:"peer-id-prefix"`
	// Client version that is sent in BEP 10 handshake message.
	ClientVersion string `yaml:"client-version"`

	// Time to wait for TCP connection to open.
	PeerConnectTimeout time.Duration `yaml:"peer-connect-timeout"`
	// Time to wait for BitTorrent handshake to complete.
	PeerHandshakeTimeout time.Duration `yaml:"peer-handshake-timeout"`
	// When the peer does not send any message in PeerReadTimeout, the connection is closed.
	PeerReadTimeout time.Duration `yaml:"peer-read-timeout"`
	// If a peer with outstanding requests does not send a block in PieceTimeout, the connection is closed.
	PieceTimeout time.Duration `yaml:"piece-timeout"`
	// Requests that are not responded in RequestTimeout are cancelled and picked again.
	RequestTimeout time.Duration `yaml:"request-timeout"`
	// Keep-alive message is sent after this duration of inactivity.
	KeepAlivePeriod time.Duration `yaml:"keep-alive-period"`

	// Number of outstanding block requests to a single peer.
	RequestQueueLength int `yaml:"request-queue-length"`
	// Number of requests from a peer that are queued for sending. Excess requests are rejected or dropped.
	MaxRequestsIn int `yaml:"max-requests-in"`
	// Endgame mode is activated when the number of missing pieces is below this value.
	EndgameThreshold int `yaml:"endgame-threshold"`
	// Max number of peers a block is requested from in endgame mode.
	EndgameMaxDuplicateRequests int `yaml:"endgame-max-duplicate-requests"`

	// Number of peers that are unchoked by their rates.
	UnchokedPeers int `yaml:"unchoked-peers"`
	// Number of peers that are unchoked randomly.
	OptimisticUnchokedPeers int `yaml:"optimistic-unchoked-peers"`
	// Interval of choke review.
	UnchokeInterval time.Duration `yaml:"unchoke-interval"`
	// Interval of filling request queues, cancelling timed out requests and replenishing rate limits.
	TickInterval time.Duration `yaml:"tick-interval"`
	// Interval of updating speed EWMAs.
	SpeedUpdateInterval time.Duration `yaml:"speed-update-interval"`

	// Max number of outgoing connections per torrent.
	MaxPeerDial int `yaml:"max-peer-dial"`
	// Max number of incoming connections per torrent.
	MaxPeerAccept int `yaml:"max-peer-accept"`
	// Max number of peer addresses to keep per torrent.
	MaxPeerAddresses int `yaml:"max-peer-addresses"`
	// Address is parked with exponential backoff after this many consecutive failures.
	MaxPeerRetries int `yaml:"max-peer-retries"`
	// Number of outgoing connections started per second.
	DialRateLimit float64 `yaml:"dial-rate-limit"`

	// Number of pieces in allowed-fast set sent to peers supporting fast extension.
	AllowedFastSet int `yaml:"allowed-fast-set"`
	// Requests are not sent while more than this many block buffers are in use.
	MaxBuffersInUse int `yaml:"max-buffers-in-use"`
	// Peers are disconnected after sending data to this many pieces that failed the hash check.
	MaxHashFailures int `yaml:"max-hash-failures"`

	// Download speed limit in bytes per second. 0 means no limit.
	// Limits are applied in 16 KiB chunks: the value is rounded down to a multiple of 16 KiB
	// and values below 16 KiB allow 16 KiB per second.
	SpeedLimitDownload int64 `yaml:"speed-limit-download"`
	// Upload speed limit in bytes per second. 0 means no limit. Rounded the same way as SpeedLimitDownload.
	SpeedLimitUpload int64 `yaml:"speed-limit-upload"`

	// Enable BEP 6 fast extension.
	FastExtension bool `yaml:"fast-extension"`
	// Enable BEP 10 extension protocol.
	ExtensionProtocol bool `yaml:"extension-protocol"`
	// DHT port sent to peers in port message. 0 disables DHT support.
	DHTPort uint16 `yaml:"dht-port"`
}

// DefaultConfig for Session. Do not pass zero value Config to NewSession. Copy this struct and modify instead.
var DefaultConfig = Config{
	Port:          6881,
	PeerIDPrefix:  "-RW" + Version + "-",
	ClientVersion: "Rainwire " + Version,

	PeerConnectTimeout:   5 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,
	PeerReadTimeout:      2 * time.Minute,
	PieceTimeout:         30 * time.Second,
	RequestTimeout:       20 * time.Second,
	KeepAlivePeriod:      time.Minute,

	RequestQueueLength:          50,
	MaxRequestsIn:               250,
	EndgameThreshold:            15,
	EndgameMaxDuplicateRequests: 2,

	UnchokedPeers:           3,
	OptimisticUnchokedPeers: 1,
	UnchokeInterval:         10 * time.Second,
	TickInterval:            100 * time.Millisecond,
	SpeedUpdateInterval:     5 * time.Second,

	MaxPeerDial:      80,
	MaxPeerAccept:    20,
	MaxPeerAddresses: 2000,
	MaxPeerRetries:   3,
	DialRateLimit:    4,

	AllowedFastSet:  10,
	MaxBuffersInUse: 2048,
	MaxHashFailures: 3,

	FastExtension:     true,
	ExtensionProtocol: true,
}

// LoadConfig returns a Config with values read from YAML file at path over DefaultConfig.
// Path may start with "~". DefaultConfig is returned if the file does not exist.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig
	cp, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(cp)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
