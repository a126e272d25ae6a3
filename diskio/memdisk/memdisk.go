// Package memdisk provides a DiskIO that keeps the torrent data in memory.
package memdisk

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/rainwire/diskio"
	"github.com/cenkalti/rainwire/internal/worker"
)

// ErrClosed is passed to the done callback of writes that are not completed before Close.
var ErrClosed = errors.New("disk is closed")

var _ diskio.DiskIO = (*Disk)(nil)

type write struct {
	offset int64
	data   []byte
	done   func(error)
}

// Disk is an in-memory DiskIO. Writes are done in order by a single goroutine.
type Disk struct {
	pieceLength uint32

	m    sync.RWMutex
	data []byte

	qm     sync.Mutex
	queue  []write
	closed bool
	signal chan struct{}

	workers worker.Workers
}

// New returns an empty Disk for a torrent with given total and piece lengths.
func New(totalLength int64, pieceLength uint32) *Disk {
	return NewWithData(make([]byte, totalLength), pieceLength)
}

// NewWithData returns a Disk that contains data. The slice is not copied.
func NewWithData(data []byte, pieceLength uint32) *Disk {
	d := &Disk{
		pieceLength: pieceLength,
		data:        data,
		signal:      make(chan struct{}, 1),
	}
	d.workers.Start(worker.Func(d.writer))
	return d
}

// Close stops the writer goroutine. Pending writes fail with ErrClosed.
func (d *Disk) Close() {
	d.qm.Lock()
	d.closed = true
	d.qm.Unlock()
	d.workers.Stop()
	for _, w := range d.takeQueue() {
		w.done(ErrClosed)
	}
}

// QueueWrite implements diskio.DiskIO. Queue is unbounded so callers never block.
func (d *Disk) QueueWrite(index, begin uint32, data []byte, done func(error)) {
	offset := int64(index)*int64(d.pieceLength) + int64(begin)
	d.qm.Lock()
	if d.closed {
		d.qm.Unlock()
		go done(ErrClosed)
		return
	}
	d.queue = append(d.queue, write{offset: offset, data: data, done: done})
	d.qm.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Disk) takeQueue() []write {
	d.qm.Lock()
	defer d.qm.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

func (d *Disk) writer(stopC chan struct{}) {
	for {
		select {
		case <-d.signal:
			for _, w := range d.takeQueue() {
				w.done(d.writeAt(w.offset, w.data))
			}
		case <-stopC:
			return
		}
	}
}

func (d *Disk) writeAt(offset int64, data []byte) error {
	d.m.Lock()
	defer d.m.Unlock()
	if offset < 0 || offset+int64(len(data)) > int64(len(d.data)) {
		return fmt.Errorf("write out of range: offset=%d length=%d", offset, len(data))
	}
	copy(d.data[offset:], data)
	return nil
}

func (d *Disk) pieceRange(index uint32) (begin, end int64, err error) {
	begin = int64(index) * int64(d.pieceLength)
	if begin >= int64(len(d.data)) {
		return 0, 0, fmt.Errorf("invalid piece index: %d", index)
	}
	end = begin + int64(d.pieceLength)
	if end > int64(len(d.data)) {
		end = int64(len(d.data))
	}
	return begin, end, nil
}

// GetHash implements diskio.DiskIO.
func (d *Disk) GetHash(index uint32) ([20]byte, error) {
	begin, end, err := d.pieceRange(index)
	if err != nil {
		return [20]byte{}, err
	}
	d.m.RLock()
	defer d.m.RUnlock()
	return sha1.Sum(d.data[begin:end]), nil // nolint: gosec
}

// Read implements diskio.DiskIO. Returned slice is a copy.
func (d *Disk) Read(offset int64, length uint32) ([]byte, error) {
	d.m.RLock()
	defer d.m.RUnlock()
	if offset < 0 || offset+int64(length) > int64(len(d.data)) {
		return nil, fmt.Errorf("read out of range: offset=%d length=%d", offset, length)
	}
	b := make([]byte, length)
	copy(b, d.data[offset:])
	return b, nil
}

// PieceHashes returns the hashes of all pieces in data.
func PieceHashes(data []byte, pieceLength uint32) [][20]byte {
	var hashes [][20]byte
	for begin := 0; begin < len(data); begin += int(pieceLength) {
		end := begin + int(pieceLength)
		if end > len(data) {
			end = len(data)
		}
		hashes = append(hashes, sha1.Sum(data[begin:end])) // nolint: gosec
	}
	return hashes
}
