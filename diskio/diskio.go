// Package diskio defines the storage collaborator of a torrent.
// Torrent data is addressed as a single contiguous byte range; mapping it to files is the responsibility of the implementation.
package diskio

// DiskIO stores the downloaded blocks and serves blocks for uploading.
// Methods may be called from multiple goroutines.
type DiskIO interface {
	// QueueWrite schedules writing of a block and returns immediately.
	// The data must not be modified until done is called.
	// done is called exactly once from another goroutine and must not block for long.
	QueueWrite(index, begin uint32, data []byte, done func(error))
	// GetHash returns the SHA-1 hash of a piece as stored.
	GetHash(index uint32) ([20]byte, error)
	// Read returns the torrent data at offset.
	Read(offset int64, length uint32) ([]byte, error)
}
