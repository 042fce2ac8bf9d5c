// Package piece tracks per-piece download and verification state: which
// blocks have been requested, which have been written, and whether the
// assembled piece matches its expected SHA-1 digest.
package piece

import (
	"crypto/sha1"
	"errors"
	"net/netip"
	"sync"

	"github.com/kvnl/torrentcore/internal/config"
)

// MaxBlockLength is the protocol's request granule (BEP 3 recommends 16KiB
// and most clients refuse larger requests).
const MaxBlockLength = 16 * 1024

// Validity is the outcome of the last call to Validate.
type Validity uint8

const (
	Unchecked Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unchecked"
	}
}

// Storage is the durable byte store a Piece reads from and writes to. It is
// satisfied by internal/cache.Cache.
type Storage interface {
	WriteBlock(pieceIdx, begin uint32, data []byte) error
	ReadBlock(pieceIdx, begin, length uint32) ([]byte, error)
	ReadPiece(pieceIdx, length uint32) ([]byte, error)
}

// Block identifies a protocol-granule request within a piece.
type Block struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

var ErrNoBlocksLeft = errors.New("piece: no un-requested blocks remain")

// Piece is the download/verification state machine for a single piece.
type Piece struct {
	mu sync.Mutex

	index    uint32
	length   uint32
	hash     [sha1.Size]byte
	storage  Storage
	validity Validity

	blockCount    uint32
	lastBlockLen  uint32
	downloaded    []bool
	requested     []bool
	dupCount      []uint32 // outstanding holders per block, >1 only under endgame
	downloadedN   uint32
	cursor        uint32
	contributors  map[uint32]netip.AddrPort
}

// New builds a Piece covering length bytes, expected to hash to digest.
func New(index uint32, length uint32, digest [sha1.Size]byte, storage Storage) *Piece {
	blockCount, _ := BlocksInPiece(length)
	lastBlockLen, _ := LastBlockInPiece(length)

	return &Piece{
		index:        index,
		length:       length,
		hash:         digest,
		storage:      storage,
		blockCount:   blockCount,
		lastBlockLen: lastBlockLen,
		downloaded:   make([]bool, blockCount),
		requested:    make([]bool, blockCount),
		dupCount:     make([]uint32, blockCount),
		contributors: make(map[uint32]netip.AddrPort),
	}
}

func (p *Piece) Index() uint32    { return p.index }
func (p *Piece) Length() uint32   { return p.length }
func (p *Piece) Hash() [sha1.Size]byte { return p.hash }

func (p *Piece) Validity() Validity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validity
}

func (p *Piece) blockLength(idx uint32) uint32 {
	if idx == p.blockCount-1 {
		return p.lastBlockLen
	}
	return MaxBlockLength
}

// PollBlockRequest returns the next un-requested, un-downloaded block,
// advancing a sequential cursor and marking the block requested. If endgame
// is false, ok is false once every block has been requested at least once
// (the piece is "saturated" for non-endgame callers).
//
// If endgame is true and no fresh block remains, it re-hands an
// already-requested-but-undownloaded block to give a second (or third...)
// peer a shot at it, up to config.EndgameDupPerBlock outstanding holders per
// block (0 or negative means unbounded). This is what makes the selector's
// endgame eligibility actually produce duplicate requests instead of polling
// a saturated piece forever.
func (p *Piece) PollBlockRequest(endgame bool) (Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := p.cursor; i < p.blockCount; i++ {
		if p.downloaded[i] || p.requested[i] {
			continue
		}

		p.requested[i] = true
		p.dupCount[i] = 1
		p.cursor = i + 1

		return Block{
			PieceIdx: p.index,
			Begin:    i * MaxBlockLength,
			Length:   p.blockLength(i),
		}, true
	}

	if !endgame {
		return Block{}, false
	}

	maxDup := config.Load().EndgameDupPerBlock
	for i := uint32(0); i < p.blockCount; i++ {
		if p.downloaded[i] {
			continue
		}
		if maxDup > 0 && p.dupCount[i] >= uint32(maxDup) {
			continue
		}

		p.dupCount[i]++
		return Block{
			PieceIdx: p.index,
			Begin:    i * MaxBlockLength,
			Length:   p.blockLength(i),
		}, true
	}

	return Block{}, false
}

// GivebackBlock drops one outstanding holder of the block at begin, making
// it eligible for PollBlockRequest again once every holder has given it
// back. Called when the peer holding it disconnects or times out.
func (p *Piece) GivebackBlock(begin uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := BlockIndexForBegin(begin, p.length)
	if !ok || p.downloaded[idx] {
		return
	}

	if p.dupCount[idx] > 0 {
		p.dupCount[idx]--
	}
	if p.dupCount[idx] > 0 {
		return // another peer still holds this block under endgame
	}

	p.requested[idx] = false
	if idx < p.cursor {
		p.cursor = idx
	}
}

// WriteBlock stores data for the block at begin via the storage interface,
// marks it downloaded, and records the contributing peer. newlyComplete is
// true exactly once: the call on which the last block transitions.
func (p *Piece) WriteBlock(begin uint32, data []byte, peer netip.AddrPort) (progress float64, newlyComplete bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := BlockIndexForBegin(begin, p.length)
	if !ok {
		return 0, false, errors.New("piece: begin out of range")
	}
	if uint32(len(data)) != p.blockLength(idx) {
		return 0, false, errors.New("piece: block length mismatch")
	}

	if err := p.storage.WriteBlock(p.index, begin, data); err != nil {
		return 0, false, err
	}

	transitioned := false
	if !p.downloaded[idx] {
		p.downloaded[idx] = true
		p.downloadedN++
		p.dupCount[idx] = 0
		p.contributors[idx] = peer
		transitioned = true
	}

	progress = float64(p.downloadedN) / float64(p.blockCount)
	newlyComplete = transitioned && p.downloadedN == p.blockCount

	return progress, newlyComplete, nil
}

// ReadBlock fetches bytes via the storage interface, used to serve a peer's
// Request message.
func (p *Piece) ReadBlock(begin, length uint32) ([]byte, error) {
	return p.storage.ReadBlock(p.index, begin, length)
}

// Validate reads the full assembled piece, computes its SHA-1 digest, and
// compares it to the expected hash. It is idempotent once Valid.
func (p *Piece) Validate() (Validity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.validity == Valid {
		return Valid, nil
	}

	raw, err := p.storage.ReadPiece(p.index, p.length)
	if err != nil {
		return Unchecked, err
	}

	if sha1.Sum(raw) == p.hash {
		p.validity = Valid
	} else {
		p.validity = Invalid
	}

	return p.validity, nil
}

// DropDownloadProgress zeroes the download and request bitmaps and resets
// validity to Unchecked. Called after a failed Validate.
func (p *Piece) DropDownloadProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.downloaded {
		p.downloaded[i] = false
		p.requested[i] = false
		p.dupCount[i] = 0
	}
	p.downloadedN = 0
	p.cursor = 0
	p.validity = Unchecked
	p.contributors = make(map[uint32]netip.AddrPort)
}

// FullyRequested reports whether every block is either downloaded or
// currently in flight to some peer. The selector uses this to avoid handing
// out a piece with no free blocks unless endgame mode is active.
func (p *Piece) FullyRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.requested {
		if !p.downloaded[i] && !p.requested[i] {
			return false
		}
	}
	return true
}

// Complete reports whether every block has been downloaded and Validate has
// confirmed the digest.
func (p *Piece) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloadedN == p.blockCount && p.validity == Valid
}

// Contributor returns the peer whose write first marked block blockIdx
// downloaded, if any. Later duplicate writes of the same block do not
// replace it.
func (p *Piece) Contributor(blockIdx uint32) (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.contributors[blockIdx]
	return addr, ok
}
