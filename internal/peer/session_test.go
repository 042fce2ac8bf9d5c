package peer

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kvnl/torrentcore/internal/bitfield"
	"github.com/kvnl/torrentcore/internal/config"
	"github.com/kvnl/torrentcore/internal/piece"
	"github.com/kvnl/torrentcore/internal/protocol"
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

var testAddr = netip.MustParseAddrPort("127.0.0.1:6881")

func newTestSession(t *testing.T, cb Callbacks) (*Session, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	s := Accept(local, testAddr, [20]byte{}, testLogger(), 8, cb)
	t.Cleanup(s.Close)

	return s, remote
}

func TestInitialFlags(t *testing.T) {
	s, _ := newTestSession(t, Callbacks{})

	if !s.AmChoking() {
		t.Error("AmChoking() should start true")
	}
	if s.AmInterested() {
		t.Error("AmInterested() should start false")
	}
	if !s.PeerChoking() {
		t.Error("PeerChoking() should start true")
	}
	if s.PeerInterested() {
		t.Error("PeerInterested() should start false")
	}
}

func TestS1_BitfieldUnchokePieceHappyPath(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPiece bool
		gotIdx   uint32
		gotBegin uint32
		gotData  []byte
		unchoked bool
	)

	cb := Callbacks{
		OnBitfield: func(netip.AddrPort, bitfield.Bitfield) {},
		OnUnchoke: func(s *Session) {
			mu.Lock()
			unchoked = true
			mu.Unlock()
		},
		OnPiece: func(_ netip.AddrPort, idx, begin uint32, data []byte) {
			mu.Lock()
			gotPiece, gotIdx, gotBegin, gotData = true, idx, begin, append([]byte(nil), data...)
			mu.Unlock()
		},
	}

	s, remote := newTestSession(t, cb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	_ = protocol.WriteMessage(remote, protocol.MessageBitfield([]byte{0x80}))
	_ = protocol.WriteMessage(remote, protocol.MessageUnchoke())

	block := piece.Block{PieceIdx: 0, Begin: 0, Length: 16}
	if err := s.Request(block); err != nil {
		t.Fatalf("Request error: %v", err)
	}

	data := []byte("Hello, world!!!\n")
	_ = protocol.WriteMessage(remote, protocol.MessagePiece(0, 0, data))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		ok := gotPiece && unchoked
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for piece/unchoke callbacks")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if gotIdx != 0 || gotBegin != 0 || string(gotData) != string(data) {
		t.Fatalf("OnPiece got (%d,%d,%q), want (0,0,%q)", gotIdx, gotBegin, gotData, data)
	}
	if s.InflightCount() != 0 {
		t.Fatalf("InflightCount() = %d, want 0 after matched piece", s.InflightCount())
	}
}

func TestPiece_UnmatchedIsDropped(t *testing.T) {
	var called bool
	cb := Callbacks{OnPiece: func(netip.AddrPort, uint32, uint32, []byte) { called = true }}

	s, remote := newTestSession(t, cb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// No Request was ever issued, so this Piece has nothing to match.
	_ = protocol.WriteMessage(remote, protocol.MessagePiece(0, 0, []byte("unsolicited")))
	time.Sleep(50 * time.Millisecond)

	if called {
		t.Fatal("OnPiece should not fire for an unmatched piece payload")
	}
}

func TestRequest_RejectedWhilePeerChoking(t *testing.T) {
	s, _ := newTestSession(t, Callbacks{})

	err := s.Request(piece.Block{PieceIdx: 0, Begin: 0, Length: 16})
	if err != ErrPeerChoking {
		t.Fatalf("Request() error = %v, want ErrPeerChoking", err)
	}
}

func TestRequest_PipelineFull(t *testing.T) {
	s, _ := newTestSession(t, Callbacks{})
	s.setFlag(maskPeerChoking, false)
	s.maxPipeline = 2

	for i := uint32(0); i < 2; i++ {
		if err := s.Request(piece.Block{PieceIdx: 0, Begin: i * 16, Length: 16}); err != nil {
			t.Fatalf("Request(%d) error: %v", i, err)
		}
	}

	err := s.Request(piece.Block{PieceIdx: 0, Begin: 32, Length: 16})
	if err != ErrPipelineFull {
		t.Fatalf("Request() error = %v, want ErrPipelineFull", err)
	}
}

// S3 analog: a Choke from the peer must clear every in-flight request so the
// manager can reassign the blocks elsewhere.
func TestChoke_ClearsPendingRequests(t *testing.T) {
	var needWorkCalls int
	var mu sync.Mutex
	cb := Callbacks{OnNeedWork: func(*Session) {
		mu.Lock()
		needWorkCalls++
		mu.Unlock()
	}}

	s, remote := newTestSession(t, cb)
	s.setFlag(maskPeerChoking, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if err := s.Request(piece.Block{PieceIdx: 0, Begin: 0, Length: 16}); err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if err := s.Request(piece.Block{PieceIdx: 0, Begin: 16, Length: 16}); err != nil {
		t.Fatalf("Request error: %v", err)
	}

	_ = protocol.WriteMessage(remote, protocol.MessageChoke())

	deadline := time.After(2 * time.Second)
	for {
		if s.InflightCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pending requests to clear")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !s.PeerChoking() {
		t.Fatal("PeerChoking() should be true after receiving Choke")
	}

	mu.Lock()
	defer mu.Unlock()
	if needWorkCalls != 2 {
		t.Fatalf("OnNeedWork called %d times, want 2 (one per dropped request)", needWorkCalls)
	}
}

func TestCancel_SuppressesQueuedResponse(t *testing.T) {
	cb := Callbacks{OnRequest: func(netip.AddrPort, uint32, uint32, uint32) ([]byte, bool) {
		return []byte("payload"), true
	}}
	s, _ := newTestSession(t, cb)
	s.setFlag(maskAmChoking, false)

	b := piece.Block{PieceIdx: 0, Begin: 0, Length: 7}
	s.cancelledMu.Lock()
	s.cancelled[b] = struct{}{}
	s.cancelledMu.Unlock()

	s.serveRequest(context.Background(), b.PieceIdx, b.Begin, b.Length)

	select {
	case msg := <-s.outbox:
		t.Fatalf("expected no queued message after cancellation, got %v", msg)
	default:
	}
}

func TestSetAmInterested_NoOpWhenUnchanged(t *testing.T) {
	s, _ := newTestSession(t, Callbacks{})

	s.SetAmInterested(false) // already false; must not enqueue anything
	select {
	case <-s.outbox:
		t.Fatal("SetAmInterested(false) should be a no-op when already false")
	default:
	}

	s.SetAmInterested(true)
	select {
	case msg := <-s.outbox:
		if msg.ID != protocol.Interested {
			t.Fatalf("got message id %v, want Interested", msg.ID)
		}
	default:
		t.Fatal("expected an Interested message to be queued")
	}
}
