package manifest

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/kvnl/torrentcore/internal/bencode"
)

func mkPieces(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.Bytes()
}

func TestParse_SingleFile_OK(t *testing.T) {
	info := map[string]any{
		"name":         "file.txt",
		"piece length": int64(16384),
		"pieces":       mkPieces(2),
		"length":       int64(1234),
	}

	root := map[string]any{
		"announce":      "http://tracker",
		"creation date": int64(1700000000),
		"created by":    "tester",
		"comment":       "hello",
		"encoding":      "UTF-8",
		"info":          info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if m.Announce != "http://tracker" {
		t.Fatalf("announce = %q", m.Announce)
	}
	if len(m.AnnounceList) != 0 {
		t.Fatalf("announce-list = %#v, want empty", m.AnnounceList)
	}

	wantDate := time.Unix(1700000000, 0).UTC()
	if !m.CreationDate.Equal(wantDate) {
		t.Fatalf("creation date = %v, want %v", m.CreationDate, wantDate)
	}
	if m.CreatedBy != "tester" || m.Comment != "hello" || m.Encoding != "UTF-8" {
		t.Fatalf("metadata fields mismatch: %#v", m)
	}

	if m.Info.Name != "file.txt" {
		t.Fatalf("name = %q", m.Info.Name)
	}
	if m.Info.PieceLength != 16384 {
		t.Fatalf("piece length = %d", m.Info.PieceLength)
	}
	if len(m.Info.Pieces) != 2 {
		t.Fatalf("pieces len = %d, want 2", len(m.Info.Pieces))
	}
	if m.Info.Length != 1234 || len(m.Info.Files) != 0 {
		t.Fatalf("layout mismatch: length=%d files=%d", m.Info.Length, len(m.Info.Files))
	}
	if m.Size() != 1234 {
		t.Fatalf("Size() = %d, want 1234", m.Size())
	}

	hashed, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	wantHash := sha1.Sum(hashed)
	if m.InfoHash != wantHash {
		t.Fatalf("info hash mismatch")
	}
}

func TestParse_MultiFile_OK(t *testing.T) {
	files := []any{
		map[string]any{
			"length": int64(10),
			"path":   []any{"a", "b.txt"},
		},
		map[string]any{"length": int64(20), "path": []any{"c.txt"}},
	}

	info := map[string]any{
		"name":         "dir",
		"piece length": int64(32768),
		"pieces":       mkPieces(1),
		"files":        files,
		"private":      int64(1),
	}

	root := map[string]any{
		"announce": "udp://tracker",
		"info":     info,
	}
	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if !m.Info.Private {
		t.Fatal("expected private flag set")
	}
	if len(m.Info.Files) != 2 {
		t.Fatalf("files len = %d, want 2", len(m.Info.Files))
	}
	if m.Size() != 30 {
		t.Fatalf("Size() = %d, want 30", m.Size())
	}
	if got := m.Info.Files[0].Path; len(got) != 2 || got[0] != "a" || got[1] != "b.txt" {
		t.Fatalf("files[0].Path = %#v", got)
	}
}

func TestParse_MissingAnnounce(t *testing.T) {
	info := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	}
	data, err := bencode.Marshal(map[string]any{"info": info})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := Parse(data); err != ErrAnnounceMissing {
		t.Fatalf("err = %v, want ErrAnnounceMissing", err)
	}
}

func TestParse_BadPiecesLength(t *testing.T) {
	info := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       "not-a-multiple-of-20!",
		"length":       int64(1),
	}
	data, err := bencode.Marshal(map[string]any{"announce": "http://t", "info": info})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := Parse(data); err != ErrPiecesLenInvalid {
		t.Fatalf("err = %v, want ErrPiecesLenInvalid", err)
	}
}

func TestParse_LayoutInvalid_BothLengthAndFiles(t *testing.T) {
	info := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
		"files":        []any{map[string]any{"length": int64(1), "path": []any{"x"}}},
	}
	data, err := bencode.Marshal(map[string]any{"announce": "http://t", "info": info})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, err := Parse(data); err != ErrLayoutInvalid {
		t.Fatalf("err = %v, want ErrLayoutInvalid", err)
	}
}
