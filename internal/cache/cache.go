// Package cache implements DiskCache: a write-through block cache fronting
// the file dumper. Reads fall through to disk on miss; writes populate both
// the cache and disk so upload requests can usually be served without I/O.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// blockKey identifies a cached block by piece index and byte offset within
// the piece.
type blockKey struct {
	pieceIdx uint32
	begin    uint32
}

// Dumper is the durable backing store a Cache falls through to. Satisfied
// by storage.Dumper.
type Dumper interface {
	WriteAt(pieceIdx, begin uint32, data []byte) error
	ReadAt(pieceIdx, begin, length uint32) ([]byte, error)
}

// Cache is a write-through LRU cache of recently written blocks, bounded by
// entry count. It implements internal/piece.Storage.
type Cache struct {
	dumper   Dumper
	blocks   *lru.Cache[blockKey, []byte]
	pieceLen int64
}

// New builds a Cache over dumper with capacity cached blocks, keyed by
// (piece_index, offset).
func New(dumper Dumper, pieceLen int64, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1024
	}

	blocks, err := lru.New[blockKey, []byte](capacity)
	if err != nil {
		return nil, err
	}

	return &Cache{dumper: dumper, blocks: blocks, pieceLen: pieceLen}, nil
}

// WriteBlock writes data through to the dumper and retains a copy in the
// cache so a subsequent upload request for the same block skips disk I/O.
func (c *Cache) WriteBlock(pieceIdx, begin uint32, data []byte) error {
	if err := c.dumper.WriteAt(pieceIdx, begin, data); err != nil {
		return err
	}

	cp := append([]byte(nil), data...)
	c.blocks.Add(blockKey{pieceIdx, begin}, cp)

	return nil
}

// ReadBlock serves from the cache on hit, falling through to the dumper on
// miss.
func (c *Cache) ReadBlock(pieceIdx, begin, length uint32) ([]byte, error) {
	if data, ok := c.blocks.Get(blockKey{pieceIdx, begin}); ok && uint32(len(data)) == length {
		return append([]byte(nil), data...), nil
	}

	return c.dumper.ReadAt(pieceIdx, begin, length)
}

// ReadPiece assembles the full piece via the dumper, used by Piece.Validate
// to hash the complete set of bytes.
func (c *Cache) ReadPiece(pieceIdx, length uint32) ([]byte, error) {
	return c.dumper.ReadAt(pieceIdx, 0, length)
}

// EvictPiece drops every cached block belonging to pieceIdx. Called once a
// piece's digest has been verified: the blocks are now durable on disk and
// no longer need to sit in memory.
func (c *Cache) EvictPiece(pieceIdx uint32, pieceLen uint32) {
	for _, k := range c.blocks.Keys() {
		if k.pieceIdx == pieceIdx {
			c.blocks.Remove(k)
		}
	}
}
