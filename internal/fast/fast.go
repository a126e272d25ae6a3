// Package fast provides an algorithm for generating allowed fast set.
// See http://www.bittorrent.org/beps/bep_0006.html
package fast

import (
	"crypto/sha1" // nolint: gosec
	"encoding/binary"
	"net"

	"github.com/RoaringBitmap/roaring/v2"
)

// GenerateFastSet returns the set of k piece indexes that the peer with ip is allowed to download while choked.
// Only IPv4 addresses are supported, an empty set is returned for others.
func GenerateFastSet(k int, numPieces uint32, infoHash [20]byte, ip net.IP) *roaring.Bitmap {
	set := roaring.New()
	ip = ip.To4()
	if ip == nil || numPieces == 0 {
		return set
	}
	if uint32(k) > numPieces {
		k = int(numPieces)
	}
	ip = ip.Mask(net.CIDRMask(24, 32))
	x := make([]byte, 24)
	copy(x, ip)
	copy(x[4:], infoHash[:])

	h := sha1.New() // nolint: gosec
	for int(set.GetCardinality()) < k {
		_, _ = h.Write(x)
		x = h.Sum(x[:0])
		h.Reset()
		for i := 0; i < 20 && int(set.GetCardinality()) < k; i += 4 {
			y := binary.BigEndian.Uint32(x[i : i+4])
			set.Add(y % numPieces)
		}
	}
	return set
}
