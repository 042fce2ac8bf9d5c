// Package peer implements PeerSession: the per-connection wire-protocol
// state machine that drives one TCP connection to a remote BitTorrent peer.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvnl/torrentcore/internal/bitfield"
	"github.com/kvnl/torrentcore/internal/config"
	"github.com/kvnl/torrentcore/internal/netio"
	"github.com/kvnl/torrentcore/internal/piece"
	"github.com/kvnl/torrentcore/internal/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// State is a PeerSession's position in the handshake/established/closed
// lifecycle.
type State uint32

const (
	AwaitingHandshake State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case Established:
		return "Established"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	maskAmChoking uint32 = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

// maxConsecutiveTimeouts is the number of back-to-back request timeouts
// tolerated before the session disconnects the peer.
const maxConsecutiveTimeouts = 3

// historyCapacity bounds the per-session message-history ring buffer used
// for diagnostics and the terminal UI's activity view.
const historyCapacity = 256

// Callbacks lets the owning DownloadManager observe and drive a session
// without the session importing the manager (which owns PieceDB, DiskCache
// and the Selector).
type Callbacks struct {
	// OnBitfield is invoked once, when the peer's Bitfield message arrives.
	OnBitfield func(netip.AddrPort, bitfield.Bitfield)

	// OnHave is invoked on every Have message.
	OnHave func(netip.AddrPort, uint32)

	// OnPiece is invoked when a Piece message matching an outstanding
	// request arrives; it should forward the block to PieceDB.Ingest.
	OnPiece func(peer netip.AddrPort, pieceIdx, begin uint32, data []byte)

	// OnRequest is invoked when the peer asks us for a block we are not
	// choking it on. It should read the block (via DiskCache) and return
	// ok=false if the block cannot be served.
	OnRequest func(peer netip.AddrPort, pieceIdx, begin, length uint32) (data []byte, ok bool)

	// OnDisconnect is invoked exactly once when the session stops, for any
	// reason.
	OnDisconnect func(netip.AddrPort)

	// OnUnchoke is invoked when the remote peer unchokes us, the signal to
	// refill the request pipeline via the selector.
	OnUnchoke func(*Session)

	// OnNeedWork is invoked whenever a pipeline slot frees up (a Piece, a
	// timeout, or a Choke that drops the whole pipeline), so the manager can
	// top the pipeline back up. It fires regardless of choke state; the
	// callee checks whether the session is choked before requesting.
	OnNeedWork func(*Session)
}

// Stats holds per-connection counters and timestamps, mirroring the
// external stats surface. All counters are atomic.
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64 // EWMA bytes/sec
	UploadRate        atomic.Uint64 // EWMA bytes/sec
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Session is one PeerSession: a live TCP connection plus the BitTorrent
// choke/interest state machine and request pipeline layered over it.
type Session struct {
	log    *slog.Logger
	conn   net.Conn
	addr   netip.AddrPort
	peerID [sha1.Size]byte
	cb     Callbacks

	state atomic.Uint32
	flags atomic.Uint32

	bitfieldMu sync.RWMutex
	bitfield   bitfield.Bitfield

	pipelineMu  sync.Mutex
	pending     map[piece.Block]time.Time
	maxPipeline int
	timeouts    int

	cancelledMu sync.Mutex
	cancelled   map[piece.Block]struct{}

	stats          *Stats
	lastActivityAt atomic.Int64

	uploadLimiter   *rate.Limiter
	downloadLimiter *rate.Limiter

	history *historyBuffer

	outboxMu  sync.RWMutex // guards outbox against a concurrent close in Close
	outbox    chan *protocol.Message
	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// Dial opens an outbound TCP connection to addr and performs the wire
// handshake, returning a session ready for Run.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash, clientID [sha1.Size]byte, log *slog.Logger, pieceCount int, cb Callbacks) (*Session, error) {
	conn, err := netio.NewDialer().Dial(ctx, addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	hs := protocol.NewHandshake(infoHash, clientID)
	remote, err := hs.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}

	return newSession(conn, addr, remote.PeerID, log, pieceCount, cb), nil
}

// Accept wraps an already-connected, already-handshaken inbound connection.
func Accept(conn net.Conn, addr netip.AddrPort, peerID [sha1.Size]byte, log *slog.Logger, pieceCount int, cb Callbacks) *Session {
	return newSession(conn, addr, peerID, log, pieceCount, cb)
}

func newSession(conn net.Conn, addr netip.AddrPort, peerID [sha1.Size]byte, log *slog.Logger, pieceCount int, cb Callbacks) *Session {
	cfg := config.Load()

	s := &Session{
		log:         log.With("component", "peer_session", "addr", addr),
		conn:        conn,
		addr:        addr,
		peerID:      peerID,
		cb:          cb,
		stats:       &Stats{ConnectedAt: time.Now()},
		bitfield:    bitfield.New(pieceCount),
		pending:     make(map[piece.Block]time.Time),
		cancelled:   make(map[piece.Block]struct{}),
		maxPipeline: cfg.MaxInflightRequestsPerPeer,
		outbox:      make(chan *protocol.Message, cfg.PeerOutboundQueueBacklog),
		history:     newHistoryBuffer(historyCapacity),
	}

	s.uploadLimiter = newLimiter(cfg.MaxUploadRate)
	s.downloadLimiter = newLimiter(cfg.MaxDownloadRate)

	// Initial values per the wire spec: am_choking=true, am_interested=false,
	// peer_choking=true, peer_interested=false.
	s.flags.Store(maskAmChoking | maskPeerChoking)
	s.state.Store(uint32(Established))
	s.lastActivityAt.Store(time.Now().UnixNano())

	return s
}

func newLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
}

// Addr reports the peer's network address.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// PeerID reports the peer's 20-byte id from the handshake.
func (s *Session) PeerID() [sha1.Size]byte { return s.peerID }

// State reports the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session's read, write, rate-metering, and request-timeout
// loops until ctx is cancelled or an unrecoverable I/O error occurs.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.rateLoop(gctx) })
	g.Go(func() error { return s.timeoutLoop(gctx) })

	return g.Wait()
}

// Close tears down the connection and outbox. Safe to call more than once
// and from multiple goroutines.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		s.state.Store(uint32(Closed))

		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()

		s.outboxMu.Lock()
		close(s.outbox)
		s.outboxMu.Unlock()

		s.stats.DisconnectedAt = time.Now()

		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(s.addr)
		}
		s.log.Debug("session closed")
	})
}

// Idleness reports how long it has been since any frame (including
// keep-alives) was sent or received.
func (s *Session) Idleness() time.Duration {
	return time.Since(time.Unix(0, s.lastActivityAt.Load()))
}

// Stats returns a snapshot of this session's counters.
func (s *Session) Stats() Stats {
	st := Stats{ConnectedAt: s.stats.ConnectedAt, DisconnectedAt: s.stats.DisconnectedAt}
	st.Downloaded.Store(s.stats.Downloaded.Load())
	st.Uploaded.Store(s.stats.Uploaded.Load())
	st.DownloadRate.Store(s.stats.DownloadRate.Load())
	st.UploadRate.Store(s.stats.UploadRate.Load())
	st.RequestsSent.Store(s.stats.RequestsSent.Load())
	st.RequestsTimeout.Store(s.stats.RequestsTimeout.Load())
	st.PiecesReceived.Store(s.stats.PiecesReceived.Load())
	st.PiecesSent.Store(s.stats.PiecesSent.Load())
	st.MessagesReceived.Store(s.stats.MessagesReceived.Load())
	st.MessagesSent.Store(s.stats.MessagesSent.Load())
	st.RequestsReceived.Store(s.stats.RequestsReceived.Load())
	st.RequestsCancelled.Store(s.stats.RequestsCancelled.Load())
	st.Errors.Store(s.stats.Errors.Load())
	return st
}

// History returns up to n of the most recent message-history events for
// this session, oldest first.
func (s *Session) History(n int) []Event {
	events, err := s.history.recent(n)
	if err != nil {
		return nil
	}
	return events
}

// Bitfield returns a copy of the peer's last-known owned-pieces bitfield.
func (s *Session) Bitfield() bitfield.Bitfield {
	s.bitfieldMu.RLock()
	defer s.bitfieldMu.RUnlock()
	return s.bitfield.Clone()
}

func (s *Session) AmChoking() bool      { return s.getFlag(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getFlag(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getFlag(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getFlag(maskPeerInterested) }

func (s *Session) getFlag(mask uint32) bool { return s.flags.Load()&mask != 0 }

func (s *Session) setFlag(mask uint32, on bool) {
	for {
		old := s.flags.Load()
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if s.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// InflightCount reports the number of requests we have issued that are
// still awaiting a Piece response.
func (s *Session) InflightCount() int {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	return len(s.pending)
}

// PendingBlocks returns a snapshot of every block currently awaiting a
// Piece response, so a caller can give them back to the selector once the
// session is gone (e.g. on disconnect).
func (s *Session) PendingBlocks() []piece.Block {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()

	out := make([]piece.Block, 0, len(s.pending))
	for b := range s.pending {
		out = append(out, b)
	}
	return out
}

// PipelineRoom reports how many more requests may be issued before hitting
// max_pipeline.
func (s *Session) PipelineRoom() int {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	room := s.maxPipeline - len(s.pending)
	if room < 0 {
		return 0
	}
	return room
}

// SetAmInterested updates our interest flag and emits Interested/
// NotInterested, per "am_interested is true iff the peer has at least one
// piece we still need."
func (s *Session) SetAmInterested(interested bool) {
	if s.AmInterested() == interested {
		return
	}
	s.setFlag(maskAmInterested, interested)
	if interested {
		s.enqueueMessage(protocol.MessageInterested())
	} else {
		s.enqueueMessage(protocol.MessageNotInterested())
	}
}

func (s *Session) Choke()         { s.enqueueMessage(protocol.MessageChoke()) }
func (s *Session) Unchoke()       { s.enqueueMessage(protocol.MessageUnchoke()) }
func (s *Session) SendBitfield(bf bitfield.Bitfield) {
	s.enqueueMessage(protocol.MessageBitfield(bf.Bytes()))
}
func (s *Session) SendHave(pieceIdx uint32) { s.enqueueMessage(protocol.MessageHave(pieceIdx)) }
func (s *Session) SendKeepAlive()           { s.enqueueMessage(nil) }

// ErrPeerChoking is returned by Request when the remote peer is currently
// choking us; no request is sent.
var ErrPeerChoking = errors.New("peer: remote is choking us")

// ErrPipelineFull is returned by Request when max_pipeline is already
// saturated.
var ErrPipelineFull = errors.New("peer: request pipeline full")

// Request issues a Request for the given block, tracking it as in-flight
// until a matching Piece arrives or it times out.
func (s *Session) Request(b piece.Block) error {
	if s.PeerChoking() {
		return ErrPeerChoking
	}

	s.pipelineMu.Lock()
	if len(s.pending) >= s.maxPipeline {
		s.pipelineMu.Unlock()
		return ErrPipelineFull
	}
	s.pending[b] = time.Now()
	s.pipelineMu.Unlock()

	s.stats.RequestsSent.Add(1)
	s.enqueueMessage(protocol.MessageRequest(b.PieceIdx, b.Begin, b.Length))
	return nil
}

// Cancel issues a Cancel for a request we previously issued and forgets it.
func (s *Session) Cancel(b piece.Block) {
	s.pipelineMu.Lock()
	delete(s.pending, b)
	s.pipelineMu.Unlock()

	s.enqueueMessage(protocol.MessageCancel(b.PieceIdx, b.Begin, b.Length))
}

func (s *Session) readLoop(ctx context.Context) error {
	l := s.log.With("loop", "read")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := s.readMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			l.Debug("read failed, closing", "error", err.Error())
			return err
		}

		if err := s.handleMessage(ctx, message); err != nil {
			l.Debug("handle message failed, closing", "error", err.Error())
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	cfg := config.Load()

	ticker := time.NewTicker(cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.writeMessage(message); err != nil {
				s.log.Debug("write failed, closing", "error", err.Error())
				return err
			}

		case <-ticker.C:
			last := time.Unix(0, s.lastActivityAt.Load())
			if time.Since(last) >= cfg.KeepAliveInterval {
				s.SendKeepAlive()
			}
		}
	}
}

// Rate metering: one-second EWMA snapshots over monotonic byte counters,
// alpha=0.2, matching the convention documented at the protocol level.
func (s *Session) rateLoop(ctx context.Context) error {
	const alpha = 0.2

	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := s.stats.Uploaded.Load()
	lastDown := s.stats.Downloaded.Load()
	var upEMA, downEMA float64
	var inited bool

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp := s.stats.Uploaded.Load()
			curDown := s.stats.Downloaded.Load()

			instUp := float64(curUp - lastUp)
			instDown := float64(curDown - lastDown)

			if !inited {
				upEMA, downEMA = instUp, instDown
				inited = true
			} else {
				upEMA = alpha*instUp + (1-alpha)*upEMA
				downEMA = alpha*instDown + (1-alpha)*downEMA
			}

			s.stats.UploadRate.Store(uint64(upEMA))
			s.stats.DownloadRate.Store(uint64(downEMA))

			lastUp, lastDown = curUp, curDown
		}
	}
}

// timeoutLoop sweeps the pipeline for requests past the response deadline
// and gives them back so the selector/piece can reassign them elsewhere.
func (s *Session) timeoutLoop(ctx context.Context) error {
	cfg := config.Load()

	ticker := time.NewTicker(cfg.RequestTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var expired []piece.Block

			s.pipelineMu.Lock()
			now := time.Now()
			for b, sentAt := range s.pending {
				if now.Sub(sentAt) >= cfg.RequestTimeout {
					expired = append(expired, b)
					delete(s.pending, b)
				}
			}
			if len(expired) > 0 {
				s.timeouts++
			}
			disconnect := s.timeouts >= maxConsecutiveTimeouts
			s.pipelineMu.Unlock()

			for _, b := range expired {
				s.stats.RequestsTimeout.Add(1)
				if s.cb.OnNeedWork != nil {
					s.onBlockTimeout(b)
				}
			}

			if disconnect && len(expired) > 0 {
				s.log.Warn("too many consecutive request timeouts, disconnecting")
				return errors.New("peer: request timeout limit exceeded")
			}
		}
	}
}

// onBlockTimeout is split out so the manager's giveback/selector bookkeeping
// (which needs the piece index, not just the session) can be wired via
// OnNeedWork without the session importing PieceDB or Selector directly.
func (s *Session) onBlockTimeout(b piece.Block) {
	s.cb.OnNeedWork(s)
}

func (s *Session) readMessage() (*protocol.Message, error) {
	cfg := config.Load()
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	message, err := protocol.ReadMessage(s.conn)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.MessagesReceived.Add(1)
	s.lastActivityAt.Store(time.Now().UnixNano())
	return message, nil
}

func (s *Session) writeMessage(message *protocol.Message) error {
	cfg := config.Load()
	_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(s.conn, message); err != nil {
		s.stats.Errors.Add(1)
		return err
	}

	s.onMessageWritten(message)
	return nil
}

func (s *Session) handleMessage(ctx context.Context, message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	s.history.add(eventFor(DirReceived, message))

	switch message.ID {
	case protocol.Choke:
		s.setFlag(maskPeerChoking, true)
		s.failAllPending()

	case protocol.Unchoke:
		s.setFlag(maskPeerChoking, false)
		if s.cb.OnUnchoke != nil {
			s.cb.OnUnchoke(s)
		}

	case protocol.Interested:
		s.setFlag(maskPeerInterested, true)

	case protocol.NotInterested:
		s.setFlag(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(message.Payload)
		s.bitfieldMu.Lock()
		s.bitfield = bf
		s.bitfieldMu.Unlock()
		if s.cb.OnBitfield != nil {
			s.cb.OnBitfield(s.addr, bf)
		}

	case protocol.Have:
		idx, ok := message.ParseHave()
		if !ok {
			return errors.New("peer: malformed have message")
		}
		s.bitfieldMu.Lock()
		s.bitfield.Set(int(idx))
		s.bitfieldMu.Unlock()
		if s.cb.OnHave != nil {
			s.cb.OnHave(s.addr, idx)
		}

	case protocol.Request:
		idx, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("peer: malformed request message")
		}
		s.stats.RequestsReceived.Add(1)
		s.serveRequest(ctx, idx, begin, length)

	case protocol.Piece:
		idx, begin, data, ok := message.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		s.handlePiece(ctx, idx, begin, data)

	case protocol.Cancel:
		idx, begin, length, ok := message.ParseRequest()
		if !ok {
			return errors.New("peer: malformed cancel message")
		}
		s.stats.RequestsCancelled.Add(1)
		s.cancelledMu.Lock()
		s.cancelled[piece.Block{PieceIdx: idx, Begin: begin, Length: length}] = struct{}{}
		s.cancelledMu.Unlock()

	default:
		return fmt.Errorf("peer: unknown message id %d", message.ID)
	}

	return nil
}

// serveRequest implements "on receipt of Request from peer, if
// am_choking=false and we own the piece, schedule read_block and respond
// with Piece."
func (s *Session) serveRequest(ctx context.Context, idx, begin, length uint32) {
	if s.AmChoking() || s.cb.OnRequest == nil {
		return
	}

	data, ok := s.cb.OnRequest(s.addr, idx, begin, length)
	if !ok {
		return
	}

	b := piece.Block{PieceIdx: idx, Begin: begin, Length: length}
	s.cancelledMu.Lock()
	_, wasCancelled := s.cancelled[b]
	delete(s.cancelled, b)
	s.cancelledMu.Unlock()
	if wasCancelled {
		return
	}

	_ = s.uploadLimiter.WaitN(ctx, len(data))
	s.enqueueMessage(protocol.MessagePiece(idx, begin, data))
}

// handlePiece implements "on Piece message, match to an outstanding
// request; on match, call Piece.write_block. Unmatched Piece payloads are
// dropped (logged)."
func (s *Session) handlePiece(ctx context.Context, idx, begin uint32, data []byte) {
	b := piece.Block{PieceIdx: idx, Begin: begin, Length: uint32(len(data))}

	s.pipelineMu.Lock()
	_, matched := s.pending[b]
	if matched {
		delete(s.pending, b)
		s.timeouts = 0
	}
	s.pipelineMu.Unlock()

	if !matched {
		s.log.Debug("dropping unmatched piece payload", "piece", idx, "begin", begin)
		return
	}

	_ = s.downloadLimiter.WaitN(ctx, len(data))

	s.stats.PiecesReceived.Add(1)
	s.stats.Downloaded.Add(uint64(len(data)))

	if s.cb.OnPiece != nil {
		s.cb.OnPiece(s.addr, idx, begin, data)
	}
	if s.cb.OnNeedWork != nil {
		s.cb.OnNeedWork(s)
	}
}

// failAllPending drops every in-flight request when the peer chokes us,
// per "a session with peer_choking=true holds no in-flight requests."
func (s *Session) failAllPending() {
	s.pipelineMu.Lock()
	dropped := make([]piece.Block, 0, len(s.pending))
	for b := range s.pending {
		dropped = append(dropped, b)
	}
	s.pending = make(map[piece.Block]time.Time)
	s.pipelineMu.Unlock()

	for range dropped {
		if s.cb.OnNeedWork != nil {
			s.cb.OnNeedWork(s)
		}
	}
}

// enqueueMessage pushes message onto the outbox, stopping short once Close
// has started. It holds outboxMu for read so a concurrent Close cannot land
// between the stopped check and the send and close the channel out from
// under it.
func (s *Session) enqueueMessage(message *protocol.Message) bool {
	s.outboxMu.RLock()
	defer s.outboxMu.RUnlock()

	if s.stopped.Load() {
		return false
	}
	select {
	case s.outbox <- message:
		return true
	default:
		return false
	}
}

func (s *Session) onMessageWritten(message *protocol.Message) {
	s.stats.MessagesSent.Add(1)
	s.lastActivityAt.Store(time.Now().UnixNano())

	if message == nil {
		return
	}

	s.history.add(eventFor(DirSent, message))

	switch message.ID {
	case protocol.Choke:
		s.setFlag(maskAmChoking, true)
	case protocol.Unchoke:
		s.setFlag(maskAmChoking, false)
	case protocol.Piece:
		if n := len(message.Payload); n >= 8 {
			s.stats.PiecesSent.Add(1)
			s.stats.Uploaded.Add(uint64(n - 8))
		}
	}
}

func eventFor(dir Direction, message *protocol.Message) Event {
	e := Event{Timestamp: time.Now(), Direction: dir, MessageType: message.ID, PayloadSize: len(message.Payload)}

	switch message.ID {
	case protocol.Have:
		if idx, ok := message.ParseHave(); ok {
			e.PieceIndex = &idx
		}
	case protocol.Request, protocol.Cancel:
		if idx, begin, _, ok := message.ParseRequest(); ok {
			e.PieceIndex, e.BlockOffset = &idx, &begin
		}
	case protocol.Piece:
		if idx, begin, _, ok := message.ParsePiece(); ok {
			e.PieceIndex, e.BlockOffset = &idx, &begin
		}
	}

	return e
}
