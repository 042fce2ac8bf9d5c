package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// DB is the ordered collection of Pieces for one download, plus the
// aggregate counters the selector and manager watch: num_completed ≤
// num_downloaded ≤ N.
type DB struct {
	mu sync.RWMutex

	log      *slog.Logger
	storage  Storage
	pieceLen uint32
	size     uint64

	digests []([sha1.Size]byte)
	pieces  []*Piece

	numDownloaded uint32
	numCompleted  uint32
}

// NewDB returns an empty DB. Call SetPieceLength and IncreasePieceSpace
// before Add, so each piece's byte length can be derived (the manifest
// announces piece length once and then file lengths incrementally).
func NewDB(storage Storage, log *slog.Logger) *DB {
	return &DB{storage: storage, log: log}
}

// SetPieceLength records the manifest's uniform piece length.
func (db *DB) SetPieceLength(n uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.pieceLen = n
}

// IncreasePieceSpace accumulates total content size as files are announced.
func (db *DB) IncreasePieceSpace(bytes uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.size += bytes
}

// Add appends a piece with the given expected digest. The piece's byte
// length is derived from the DB's accumulated size and piece length, so Add
// must be called in index order after sizing is complete.
func (db *DB) Add(expectedDigest [sha1.Size]byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	index := uint32(len(db.digests))
	db.digests = append(db.digests, expectedDigest)

	length, ok := PieceLengthAt(index, db.size, db.pieceLen)
	if !ok {
		return fmt.Errorf("piece: cannot derive length for piece %d (size=%d pieceLen=%d)", index, db.size, db.pieceLen)
	}

	db.pieces = append(db.pieces, New(index, length, expectedDigest, db.storage))
	return nil
}

// Get returns the piece at idx.
func (db *DB) Get(idx uint32) (*Piece, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if idx >= uint32(len(db.pieces)) {
		return nil, false
	}
	return db.pieces[idx], true
}

// Length returns the number of pieces, N.
func (db *DB) Length() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.pieces)
}

func (db *DB) NumDownloaded() uint32 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.numDownloaded
}

func (db *DB) NumCompleted() uint32 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.numCompleted
}

func (db *DB) AllComplete() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.pieces) > 0 && int(db.numCompleted) == len(db.pieces)
}

// IngestResult summarizes what happened to a piece after one WriteBlock.
type IngestResult struct {
	Progress       float64
	NewlyComplete  bool
	Validity       Validity
	ReverifyFailed bool // true when the completed piece failed Validate
}

// Ingest writes a block into the piece at idx and, on newly_complete,
// drives the DB-level orchestration described in the piece model: validate
// the assembled piece, and on failure drop its progress and leave it wanted
// again; on success, count it complete.
func (db *DB) Ingest(idx uint32, begin uint32, data []byte, peer netip.AddrPort) (IngestResult, error) {
	p, ok := db.Get(idx)
	if !ok {
		return IngestResult{}, fmt.Errorf("piece: index %d out of range", idx)
	}

	progress, newlyComplete, err := p.WriteBlock(begin, data, peer)
	if err != nil {
		return IngestResult{}, err
	}

	res := IngestResult{Progress: progress, NewlyComplete: newlyComplete}
	if !newlyComplete {
		return res, nil
	}

	db.mu.Lock()
	db.numDownloaded++
	db.mu.Unlock()

	validity, err := p.Validate()
	if err != nil {
		return res, err
	}
	res.Validity = validity

	if validity == Valid {
		db.mu.Lock()
		db.numCompleted++
		db.mu.Unlock()
		if db.log != nil {
			db.log.Debug("piece validated", "index", idx)
		}
		return res, nil
	}

	res.ReverifyFailed = true
	p.DropDownloadProgress()
	db.mu.Lock()
	db.numDownloaded--
	db.mu.Unlock()
	if db.log != nil {
		db.log.Warn("piece failed validation, re-requesting", "index", idx, "contributor", func() any {
			if addr, ok := p.Contributor(0); ok {
				return addr
			}
			return "unknown"
		}())
	}

	return res, nil
}
