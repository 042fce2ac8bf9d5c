// Package storage is the file dumper: it maps a torrent's flat piece space
// onto one or more on-disk files and performs byte-range reads and writes
// that may span file boundaries.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kvnl/torrentcore/internal/manifest"
)

type file struct {
	f      *os.File
	path   string
	offset int64 // absolute byte offset of this file's first byte in the torrent's flat space
	length int64
}

// Dumper maps (piece_index, offset) reads/writes onto the underlying files
// of a torrent, single- or multi-file.
type Dumper struct {
	mu       sync.Mutex
	files    []*file
	pieceLen int64
}

// NewDumper creates (or opens) every file described by m under downloadDir,
// truncating each to its final size.
func NewDumper(m *manifest.Manifest, downloadDir string) (*Dumper, error) {
	files, err := setupFiles(m, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: setup files: %w", err)
	}

	return &Dumper{files: files, pieceLen: m.Info.PieceLength}, nil
}

// WriteAt writes data at (pieceIdx, begin), splitting it across file
// boundaries as needed.
func (d *Dumper) WriteAt(pieceIdx, begin uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	absStart := int64(pieceIdx)*d.pieceLen + int64(begin)
	absEnd := absStart + int64(len(data))

	for _, f := range d.files {
		fileStart, fileEnd := f.offset, f.offset+f.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		n, err := f.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("storage: write %s: %w", f.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("storage: short write to %s: wrote %d want %d", f.path, n, writeLen)
		}
	}

	return nil
}

// ReadAt reads length bytes starting at (pieceIdx, begin), assembling them
// from however many files they span.
func (d *Dumper) ReadAt(pieceIdx, begin, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, length)
	absStart := int64(pieceIdx)*d.pieceLen + int64(begin)
	absEnd := absStart + int64(length)

	for _, f := range d.files {
		fileStart, fileEnd := f.offset, f.offset+f.length

		overlapStart := max(absStart, fileStart)
		overlapEnd := min(absEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		readLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - absStart

		n, err := f.f.ReadAt(out[offsetInData:offsetInData+readLen], offsetInFile)
		if err != nil {
			return nil, fmt.Errorf("storage: read %s: %w", f.path, err)
		}
		if int64(n) != readLen {
			return nil, fmt.Errorf("storage: short read from %s: read %d want %d", f.path, n, readLen)
		}
	}

	return out, nil
}

// Close closes every underlying file handle.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, f := range d.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func setupFiles(m *manifest.Manifest, downloadDir string) ([]*file, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	var (
		offset int64
		files  []*file
	)

	if len(m.Info.Files) == 0 {
		fp := filepath.Join(downloadDir, m.Info.Name)
		f, err := openMapped(fp, m.Info.Length, offset)
		if err != nil {
			return nil, err
		}
		return append(files, f), nil
	}

	for _, mf := range m.Info.Files {
		fp := filepath.Join(downloadDir, m.Info.Name)
		for _, part := range mf.Path {
			fp = filepath.Join(fp, part)
		}

		f, err := openMapped(fp, mf.Length, offset)
		if err != nil {
			return nil, err
		}

		files = append(files, f)
		offset += mf.Length
	}

	return files, nil
}

func openMapped(path string, length, offset int64) (*file, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, err
	}

	return &file{f: f, path: path, offset: offset, length: length}, nil
}
