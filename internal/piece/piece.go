// Package piece contains the Piece and Block types that a torrent's data is split into for requesting.
package piece

// BlockSize is the size of a Block requested from peers, except the last block of a piece.
const BlockSize = 16 * 1024

// Handle identifies a peer connection in a torrent.
// The zero value means no peer.
type Handle uint32

// NoPeer is the zero Handle.
const NoPeer Handle = 0

// Layout describes how the torrent data is split into pieces.
type Layout struct {
	NumPieces   uint32
	PieceLength uint32
	TotalLength int64
}

// Length returns the length of the piece with index i. Last piece may be shorter.
func (l Layout) Length(i uint32) uint32 {
	if i >= l.NumPieces {
		panic("piece index out of range")
	}
	if i == l.NumPieces-1 {
		return uint32(l.TotalLength - int64(l.NumPieces-1)*int64(l.PieceLength))
	}
	return l.PieceLength
}

// Offset returns the offset of the piece with index i in torrent data.
func (l Layout) Offset(i uint32) int64 {
	return int64(i) * int64(l.PieceLength)
}

// Piece of a torrent.
type Piece struct {
	Index  uint32 // index in torrent
	Length uint32 // always equal to piece length except last piece.
	Blocks []Block

	// Owner is the peer that the first block of the piece is requested from.
	Owner Handle
}

// New returns a new Piece with its blocks created.
func New(index, length uint32) *Piece {
	p := &Piece{
		Index:  index,
		Length: length,
	}
	p.Blocks = p.calculateBlocks()
	return p
}

func (p *Piece) calculateBlocks() []Block {
	div, mod := divMod32(p.Length, BlockSize)
	numBlocks := div
	if mod != 0 {
		numBlocks++
	}
	blocks := make([]Block, numBlocks)
	for j := uint32(0); j < div; j++ {
		blocks[j] = Block{
			Index:  j,
			Begin:  j * BlockSize,
			Length: BlockSize,
		}
	}
	if mod != 0 {
		blocks[numBlocks-1] = Block{
			Index:  numBlocks - 1,
			Begin:  (numBlocks - 1) * BlockSize,
			Length: mod,
		}
	}
	return blocks
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() int {
	return len(p.Blocks)
}

// GetBlock returns the block at index i.
func (p *Piece) GetBlock(i uint32) (*Block, bool) {
	if i >= uint32(len(p.Blocks)) {
		return nil, false
	}
	return &p.Blocks[i], true
}

// FindBlock returns the block at offset `begin` and with length `length`.
func (p *Piece) FindBlock(begin, length uint32) (*Block, bool) {
	idx, mod := divMod32(begin, BlockSize)
	if mod != 0 {
		return nil, false
	}
	b, ok := p.GetBlock(idx)
	if !ok || b.Length != length {
		return nil, false
	}
	return b, true
}

// NextUnrequested returns the first block that is not requested from any peer.
func (p *Piece) NextUnrequested() *Block {
	for i := range p.Blocks {
		if p.Blocks[i].State == NotRequested {
			return &p.Blocks[i]
		}
	}
	return nil
}

// AllBlocksRequested returns true if no block is in NotRequested state.
func (p *Piece) AllBlocksRequested() bool {
	return p.NextUnrequested() == nil
}

// AllBlocksReceived returns true if all blocks are received or written.
func (p *Piece) AllBlocksReceived() bool {
	for i := range p.Blocks {
		if p.Blocks[i].State < Received {
			return false
		}
	}
	return true
}

// AllBlocksWritten returns true if all blocks are written.
func (p *Piece) AllBlocksWritten() bool {
	for i := range p.Blocks {
		if p.Blocks[i].State != Written {
			return false
		}
	}
	return true
}

// NumRequested returns the number of blocks in Requested state.
func (p *Piece) NumRequested() int {
	var n int
	for i := range p.Blocks {
		if p.Blocks[i].State == Requested {
			n++
		}
	}
	return n
}

// NumReceived returns the number of blocks in Received or Written state.
func (p *Piece) NumReceived() int {
	var n int
	for i := range p.Blocks {
		if p.Blocks[i].State >= Received {
			n++
		}
	}
	return n
}

// Contributors returns the distinct peers that delivered blocks of the piece.
func (p *Piece) Contributors() []Handle {
	var ret []Handle
	for i := range p.Blocks {
		h := p.Blocks[i].ReceivedFrom
		if h == NoPeer {
			continue
		}
		found := false
		for _, c := range ret {
			if c == h {
				found = true
				break
			}
		}
		if !found {
			ret = append(ret, h)
		}
	}
	return ret
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
