// Package download implements DownloadManager: the coordinator that owns
// a single torrent's PieceDB, DiskCache, PieceSelector and peer sessions,
// and drives the tracker/peer/storage loops that move bytes from the swarm
// to disk.
package download

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvnl/torrentcore/internal/bitfield"
	"github.com/kvnl/torrentcore/internal/cache"
	"github.com/kvnl/torrentcore/internal/config"
	"github.com/kvnl/torrentcore/internal/manifest"
	"github.com/kvnl/torrentcore/internal/netio"
	"github.com/kvnl/torrentcore/internal/peer"
	"github.com/kvnl/torrentcore/internal/piece"
	"github.com/kvnl/torrentcore/internal/protocol"
	"github.com/kvnl/torrentcore/internal/selector"
	"github.com/kvnl/torrentcore/internal/storage"
	"github.com/kvnl/torrentcore/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Stats is a point-in-time snapshot of a Manager's swarm-wide counters.
type Stats struct {
	TotalPeers       int
	UnchokedPeers    int
	InterestedPeers  int
	UploadingTo      int
	DownloadingFrom  int
	TotalDownloaded  uint64
	TotalUploaded    uint64
	DownloadRate     uint64
	UploadRate       uint64
	PiecesCompleted  uint32
	PiecesTotal      uint32
	Progress         float64
	Tracker          tracker.Metrics
}

type swarmStats struct {
	totalDownloaded atomic.Uint64
	totalUploaded   atomic.Uint64
	downloadRate    atomic.Uint64
	uploadRate      atomic.Uint64
}

// Manager is the single owner of one torrent's download/upload state. The
// mutex below guards the session map and the optimistic-unchoke cursor;
// PieceDB, the Selector and the cache each carry their own internal
// locking, so shared state stays guarded without forcing every subsystem
// through one lock.
type Manager struct {
	log      *slog.Logger
	manifest *manifest.Manifest
	clientID [sha1.Size]byte

	dumper *storage.Dumper
	cache  *cache.Cache
	db     *piece.DB
	sel    *selector.Selector

	tracker  *tracker.Client
	listener *netio.Listener

	mu                 sync.Mutex
	sessions           map[netip.AddrPort]*peer.Session
	optimisticUnchoked netip.AddrPort

	stats  swarmStats
	cancel context.CancelFunc
}

// Options configures the subsystems a Manager builds internally.
type Options struct {
	DownloadDir string
	CacheBlocks int
	ListenPort  uint16 // 0 disables the inbound listener
}

// New builds a Manager for m, laying out on-disk files under
// opts.DownloadDir and preparing the piece database and selector.
func New(m *manifest.Manifest, clientID [sha1.Size]byte, opts Options, log *slog.Logger) (*Manager, error) {
	log = log.With("component", "download", "name", m.Info.Name)

	dumper, err := storage.NewDumper(m, opts.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("download: storage: %w", err)
	}

	blockCache, err := cache.New(dumper, m.Info.PieceLength, opts.CacheBlocks)
	if err != nil {
		return nil, fmt.Errorf("download: cache: %w", err)
	}

	db := piece.NewDB(blockCache, log)
	db.SetPieceLength(uint32(m.Info.PieceLength))
	db.IncreasePieceSpace(uint64(m.Size()))
	for _, digest := range m.Info.Pieces {
		if err := db.Add(digest); err != nil {
			return nil, fmt.Errorf("download: piece db: %w", err)
		}
	}

	cfg := config.Load()
	sel := selector.New(db, m.NumPieces(), cfg.MaxPeers, cfg.PieceDownloadStrategy, cfg.EndgameThreshold)

	trackerClient, err := tracker.NewClient(m.Announce, m.AnnounceList, log)
	if err != nil {
		return nil, fmt.Errorf("download: tracker: %w", err)
	}

	mgr := &Manager{
		log:      log,
		manifest: m,
		clientID: clientID,
		dumper:   dumper,
		cache:    blockCache,
		db:       db,
		sel:      sel,
		tracker:  trackerClient,
		sessions: make(map[netip.AddrPort]*peer.Session),
	}

	if opts.ListenPort != 0 {
		ln, err := netio.Listen(opts.ListenPort, log)
		if err != nil {
			return nil, fmt.Errorf("download: listen: %w", err)
		}
		mgr.listener = ln
	}

	return mgr, nil
}

// Run drives the tracker announce loop, the inbound connection listener (if
// enabled), and the periodic maintenance loop (rechoking, stats) until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.tracker.Run(gctx, m.buildAnnounceParams, m.onAnnounceSuccess)
	})
	g.Go(func() error { return m.periodic(gctx) })

	if m.listener != nil {
		g.Go(func() error {
			return m.listener.Serve(gctx, m.handleInbound)
		})
	}

	return g.Wait()
}

// Stop cancels the Manager's Run loop and every peer session.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	sessions := make([]*peer.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	_ = m.dumper.Close()
}

// Stats returns a snapshot of swarm-wide counters for the terminal UI.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	total := len(m.sessions)
	var unchoked, interested, uploadingTo, downloadingFrom int
	for _, s := range m.sessions {
		if !s.AmChoking() {
			unchoked++
		}
		if s.PeerInterested() {
			interested++
		}
		st := s.Stats()
		if st.UploadRate.Load() > 0 {
			uploadingTo++
		}
		if st.DownloadRate.Load() > 0 {
			downloadingFrom++
		}
	}
	m.mu.Unlock()

	completed := m.db.NumCompleted()
	totalPieces := uint32(m.db.Length())

	var progress float64
	if totalPieces > 0 {
		progress = float64(completed) / float64(totalPieces) * 100
	}

	return Stats{
		TotalPeers:      total,
		UnchokedPeers:   unchoked,
		InterestedPeers: interested,
		UploadingTo:     uploadingTo,
		DownloadingFrom: downloadingFrom,
		TotalDownloaded: m.stats.totalDownloaded.Load(),
		TotalUploaded:   m.stats.totalUploaded.Load(),
		DownloadRate:    m.stats.downloadRate.Load(),
		UploadRate:      m.stats.uploadRate.Load(),
		PiecesCompleted: completed,
		PiecesTotal:     totalPieces,
		Progress:        progress,
		Tracker:         m.tracker.Stats(),
	}
}

// AddPeer dials addr and, once the handshake and session startup succeed,
// registers it with the selector and starts its message loop. It returns
// immediately; connection failures are logged, not returned, matching the
// fire-and-forget nature of tracker-supplied peer lists.
func (m *Manager) AddPeer(ctx context.Context, addr netip.AddrPort) {
	if m.alreadyConnected(addr) || m.atPeerLimit() {
		return
	}

	go func() {
		sess, err := peer.Dial(ctx, addr, m.manifest.InfoHash, m.clientID, m.log, m.db.Length(), m.callbacksFor(addr))
		if err != nil {
			m.log.Debug("peer connect failed", "addr", addr, "error", err)
			return
		}
		m.register(sess)
		m.runSession(ctx, sess)
	}()
}

func (m *Manager) alreadyConnected(addr netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[addr]
	return ok
}

func (m *Manager) atPeerLimit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) >= config.Load().MaxPeers
}

func (m *Manager) register(sess *peer.Session) {
	m.mu.Lock()
	m.sessions[sess.Addr()] = sess
	m.mu.Unlock()

	m.sel.AddPeer(sess.Addr())
	sess.SendBitfield(m.localBitfield())
}

func (m *Manager) unregister(addr netip.AddrPort) {
	m.mu.Lock()
	delete(m.sessions, addr)
	m.mu.Unlock()

	m.sel.RemovePeer(addr)
}

func (m *Manager) runSession(ctx context.Context, sess *peer.Session) {
	if err := sess.Run(ctx); err != nil {
		m.log.Debug("session ended", "addr", sess.Addr(), "error", err)
	}
}

// handleInbound completes the wire handshake for an accepted connection and
// promotes it into a full session on success.
func (m *Manager) handleInbound(conn net.Conn) {
	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}

	hs := protocol.NewHandshake(m.manifest.InfoHash, m.clientID)
	remote, err := hs.Exchange(conn, true)
	if err != nil {
		m.log.Debug("inbound handshake failed", "addr", addrPort, "error", err)
		conn.Close()
		return
	}

	if m.alreadyConnected(addrPort) || m.atPeerLimit() {
		conn.Close()
		return
	}

	sess := peer.Accept(conn, addrPort, remote.PeerID, m.log, m.db.Length(), m.callbacksFor(addrPort))
	m.register(sess)
	m.runSession(context.Background(), sess)
}

func (m *Manager) localBitfield() bitfield.Bitfield {
	bf := bitfield.New(m.db.Length())
	for i := 0; i < m.db.Length(); i++ {
		if p, ok := m.db.Get(uint32(i)); ok && p.Validity() == piece.Valid {
			bf.Set(i)
		}
	}
	return bf
}

func (m *Manager) callbacksFor(addr netip.AddrPort) peer.Callbacks {
	return peer.Callbacks{
		OnBitfield: func(a netip.AddrPort, bf bitfield.Bitfield) {
			m.sel.PeerBitfield(a, bf)
			m.updateInterest(a)
		},
		OnHave: func(a netip.AddrPort, idx uint32) {
			m.sel.PeerHavePiece(a, idx)
			m.updateInterest(a)
		},
		OnPiece:      m.onPiece,
		OnRequest:    m.onRequest,
		OnDisconnect: m.onDisconnect,
		OnUnchoke:    m.dispatchFromBuffer,
		OnNeedWork:   m.dispatchFromBuffer,
	}
}

func (m *Manager) updateInterest(addr netip.AddrPort) {
	sess, ok := m.sessionFor(addr)
	if !ok {
		return
	}
	sess.SetAmInterested(m.sel.Interested(addr))
}

func (m *Manager) sessionFor(addr netip.AddrPort) (*peer.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	return s, ok
}

// dispatchFromBuffer tops up a session's request pipeline from the
// selector: as many blocks as there is pipeline room for, one piece poll
// and one block poll at a time.
func (m *Manager) dispatchFromBuffer(sess *peer.Session) {
	if sess.PeerChoking() {
		return
	}

	addr := sess.Addr()
	endgame := m.sel.Endgame()

	for sess.PipelineRoom() > 0 {
		pieceIdx, ok := m.sel.PollPiece(addr)
		if !ok {
			return
		}

		p, ok := m.db.Get(pieceIdx)
		if !ok {
			return
		}

		block, ok := p.PollBlockRequest(endgame)
		if !ok {
			// Under endgame the selector can keep returning this same
			// piece (it stays eligible while incomplete), but every
			// remaining block may already be at its duplicate-holder
			// cap. Stop this refill pass rather than spin on it; the
			// next OnNeedWork/OnUnchoke call will try again once a
			// block frees up.
			return
		}

		if err := sess.Request(block); err != nil {
			p.GivebackBlock(block.Begin)
			return
		}
	}
}

func (m *Manager) onPiece(addr netip.AddrPort, pieceIdx, begin uint32, data []byte) {
	m.stats.totalDownloaded.Add(uint64(len(data)))

	res, err := m.db.Ingest(pieceIdx, begin, data, addr)
	if err != nil {
		m.log.Warn("ingest failed", "piece", pieceIdx, "error", err)
		return
	}

	if !res.NewlyComplete {
		return
	}

	if res.Validity != piece.Valid {
		m.log.Warn("piece failed hash check, re-requesting", "piece", pieceIdx)
		return
	}

	m.sel.HavePiece(pieceIdx)
	m.broadcastHave(pieceIdx)

	if p, ok := m.db.Get(pieceIdx); ok {
		m.cache.EvictPiece(pieceIdx, p.Length())
	}
}

func (m *Manager) broadcastHave(pieceIdx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.SendHave(pieceIdx)
	}
}

func (m *Manager) onRequest(addr netip.AddrPort, pieceIdx, begin, length uint32) ([]byte, bool) {
	p, ok := m.db.Get(pieceIdx)
	if !ok || p.Validity() != piece.Valid {
		return nil, false
	}

	data, err := p.ReadBlock(begin, length)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (m *Manager) onDisconnect(addr netip.AddrPort) {
	sess, ok := m.sessionFor(addr)
	if ok {
		for _, b := range sess.PendingBlocks() {
			if p, ok := m.db.Get(b.PieceIdx); ok {
				p.GivebackBlock(b.Begin)
			}
		}
	}

	m.unregister(addr)
}

func (m *Manager) buildAnnounceParams() *tracker.Params {
	left := uint64(m.manifest.Size()) - m.stats.totalDownloaded.Load()

	event := tracker.EventNone
	if left == 0 {
		event = tracker.EventCompleted
	}

	return &tracker.Params{
		InfoHash:   m.manifest.InfoHash,
		PeerID:     m.clientID,
		Uploaded:   m.stats.totalUploaded.Load(),
		Downloaded: m.stats.totalDownloaded.Load(),
		Left:       left,
		Event:      event,
		Port:       config.Load().Port,
		NumWant:    config.Load().NumWant,
	}
}

func (m *Manager) onAnnounceSuccess(peers []netip.AddrPort) {
	ctx := context.Background()
	for _, addr := range peers {
		m.AddPeer(ctx, addr)
	}
}

// periodic runs the rechoke/optimistic-unchoke loop and the rate-stats
// rollup on their configured cadence (RechokeInterval/
// OptimisticUnchokeInterval).
func (m *Manager) periodic(ctx context.Context) error {
	cfg := config.Load()

	rechoke := time.NewTicker(cfg.RechokeInterval)
	defer rechoke.Stop()
	optimistic := time.NewTicker(cfg.OptimisticUnchokeInterval)
	defer optimistic.Stop()
	rates := time.NewTicker(time.Second)
	defer rates.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rechoke.C:
			m.recalculateRegularUnchokes()
		case <-optimistic.C:
			m.recalculateOptimisticUnchoke()
		case <-rates.C:
			m.rollupRates()
		}
	}
}

func (m *Manager) rollupRates() {
	var up, down uint64

	m.mu.Lock()
	for _, s := range m.sessions {
		st := s.Stats()
		up += st.UploadRate.Load()
		down += st.DownloadRate.Load()
	}
	m.mu.Unlock()

	m.stats.uploadRate.Store(up)
	m.stats.downloadRate.Store(down)
}

// recalculateRegularUnchokes unchokes the UploadSlots sessions with the
// highest rate at which we download from them (i.e. the ones giving us the
// most data, a tit-for-tat proxy), choking everyone else except the current optimistic
// unchoke.
func (m *Manager) recalculateRegularUnchokes() {
	cfg := config.Load()

	m.mu.Lock()
	candidates := make([]*peer.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.PeerInterested() {
			candidates = append(candidates, s)
		}
	}
	optimistic := m.optimisticUnchoked
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Stats().DownloadRate.Load() > candidates[j].Stats().DownloadRate.Load()
	})

	top := make(map[netip.AddrPort]struct{}, cfg.UploadSlots)
	for i := 0; i < len(candidates) && i < cfg.UploadSlots; i++ {
		top[candidates[i].Addr()] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, s := range m.sessions {
		_, isTop := top[addr]
		if isTop || addr == optimistic {
			if s.AmChoking() {
				s.Unchoke()
			}
		} else if !s.AmChoking() {
			s.Choke()
		}
	}
}

// recalculateOptimisticUnchoke picks one currently-choked, interested peer
// at random to unchoke regardless of rate, giving new/slow peers a chance
// to prove themselves (BEP 3's optimistic unchoke).
func (m *Manager) recalculateOptimisticUnchoke() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []netip.AddrPort
	for addr, s := range m.sessions {
		if s.PeerInterested() && s.AmChoking() {
			candidates = append(candidates, addr)
		}
	}

	if len(candidates) == 0 {
		return
	}

	next := candidates[int(time.Now().UnixNano())%len(candidates)]
	m.optimisticUnchoked = next
	if s, ok := m.sessions[next]; ok && s.AmChoking() {
		s.Unchoke()
	}
}
