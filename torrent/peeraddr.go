package torrent

import "net"

// PeerAddr is an address of a peer given by a peer source like a tracker or DHT.
type PeerAddr struct {
	Addr *net.TCPAddr
	// Optional. If set, connections to our own client are not dialed.
	PeerID *[20]byte
}
