package download

import (
	"crypto/sha1"
	"log/slog"
	"os"
	"testing"

	"github.com/kvnl/torrentcore/internal/config"
	"github.com/kvnl/torrentcore/internal/manifest"
	"github.com/kvnl/torrentcore/internal/tracker"
)

func TestMain(m *testing.M) {
	if err := config.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()

	const pieceLen = 16
	content := []byte("0123456789abcdef0123456789ABCDEF") // 2 pieces of 16 bytes
	digests := make([][sha1.Size]byte, 0, 2)
	for off := 0; off < len(content); off += pieceLen {
		digests = append(digests, sha1.Sum(content[off:off+pieceLen]))
	}

	return &manifest.Manifest{
		Announce: "http://tracker.example.com/announce",
		Info: &manifest.Info{
			Name:        "testfile",
			PieceLength: pieceLen,
			Pieces:      digests,
			Length:      int64(len(content)),
		},
		InfoHash: sha1.Sum([]byte("infohash-placeholder")),
	}
}

func testManager(t *testing.T) *Manager {
	t.Helper()

	m, err := New(testManifest(t), [sha1.Size]byte{1, 2, 3}, Options{
		DownloadDir: t.TempDir(),
		CacheBlocks: 64,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = m.dumper.Close() })

	return m
}

func TestNew_BuildsPieceDB(t *testing.T) {
	m := testManager(t)

	if got := m.db.Length(); got != 2 {
		t.Fatalf("db.Length() = %d, want 2", got)
	}
}

func TestStats_Empty(t *testing.T) {
	m := testManager(t)

	st := m.Stats()
	if st.TotalPeers != 0 || st.PiecesCompleted != 0 || st.PiecesTotal != 2 {
		t.Fatalf("got %+v, want TotalPeers=0 PiecesCompleted=0 PiecesTotal=2", st)
	}
	if st.Progress != 0 {
		t.Fatalf("Progress = %v, want 0", st.Progress)
	}
}

func TestBuildAnnounceParams_NoEventWhenIncomplete(t *testing.T) {
	m := testManager(t)

	params := m.buildAnnounceParams()
	if params.Left != uint64(m.manifest.Size()) {
		t.Fatalf("Left = %d, want %d", params.Left, m.manifest.Size())
	}
	if params.Event != tracker.EventNone {
		t.Fatalf("Event = %v, want EventNone for a fresh download", params.Event)
	}
}

func TestBuildAnnounceParams_CompletedWhenFullyDownloaded(t *testing.T) {
	m := testManager(t)
	m.stats.totalDownloaded.Store(uint64(m.manifest.Size()))

	params := m.buildAnnounceParams()
	if params.Left != 0 {
		t.Fatalf("Left = %d, want 0", params.Left)
	}
	if params.Event != tracker.EventCompleted {
		t.Fatalf("Event = %v, want EventCompleted", params.Event)
	}
}

func TestLocalBitfield_EmptyWhenNothingValidated(t *testing.T) {
	m := testManager(t)

	bf := m.localBitfield()
	if bf.Any() {
		t.Fatal("fresh download should report an empty bitfield")
	}
}

func TestAtPeerLimit_TrueWhenMaxPeersZero(t *testing.T) {
	m := testManager(t)

	config.Update(func(c *config.Config) { c.MaxPeers = 0 })
	defer config.Update(func(c *config.Config) { c.MaxPeers = 50 })

	if !m.atPeerLimit() {
		t.Fatal("atPeerLimit() should be true when MaxPeers is 0")
	}
}
