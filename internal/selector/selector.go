// Package selector implements PieceSelector: the swarm-rarity view that
// chooses which piece a peer should be asked for next.
package selector

import (
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/kvnl/torrentcore/internal/bitfield"
	"github.com/kvnl/torrentcore/internal/config"
	"github.com/kvnl/torrentcore/internal/piece"
)

// Selector chooses a piece index for a peer given the peer's bitfield and
// swarm rarity. It is polymorphic over strategy (rarest-first, random,
// sequential) but all strategies share one endgame rule: duplicate
// requesting of the last few pieces once only a handful remain.
type Selector struct {
	mu sync.Mutex

	db       *piece.DB
	strategy config.Strategy
	avail    *availabilityBucket

	peerBitfields map[netip.AddrPort]bitfield.Bitfield
	have          bitfield.Bitfield // pieces this client already owns

	pieceCount       int
	endgameThreshold int
	nextSeq          uint32
}

// New builds a Selector over pieceCount pieces. maxPeers bounds the
// availability-bucket's dense array width.
func New(db *piece.DB, pieceCount, maxPeers int, strategy config.Strategy, endgameThreshold int) *Selector {
	return &Selector{
		db:               db,
		strategy:         strategy,
		avail:            newAvailabilityBucket(pieceCount, maxPeers),
		peerBitfields:    make(map[netip.AddrPort]bitfield.Bitfield),
		have:             bitfield.New(pieceCount),
		pieceCount:       pieceCount,
		endgameThreshold: endgameThreshold,
	}
}

// AddPeer registers a peer with an empty bitfield, to be filled in by
// subsequent PeerHavePiece calls (or a Bitfield message).
func (s *Selector) AddPeer(peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peerBitfields[peer]; !ok {
		s.peerBitfields[peer] = bitfield.New(s.pieceCount)
	}
}

// RemovePeer forgets peer and rolls back its contribution to every piece's
// availability.
func (s *Selector) RemovePeer(peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf, ok := s.peerBitfields[peer]
	if !ok {
		return
	}
	for i := 0; i < s.pieceCount; i++ {
		if bf.Has(i) {
			s.avail.Move(i, -1)
		}
	}
	delete(s.peerBitfields, peer)
}

// PeerHavePiece records that peer owns pieceIdx (from a Have message or one
// bit of an initial Bitfield).
func (s *Selector) PeerHavePiece(peer netip.AddrPort, pieceIdx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf, ok := s.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(s.pieceCount)
		s.peerBitfields[peer] = bf
	}

	if bf.Set(int(pieceIdx)) {
		s.avail.Move(int(pieceIdx), 1)
	}
}

// PeerBitfield sets peer's entire initial bitfield at once.
func (s *Selector) PeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.peerBitfields[peer] = bf.Clone()
	for i := 0; i < s.pieceCount && i < bf.Len(); i++ {
		if bf.Has(i) {
			s.avail.Move(i, 1)
		}
	}
}

// HavePiece marks pieceIdx as locally owned, excluding it from future
// selection and from this client's own interest calculation.
func (s *Selector) HavePiece(pieceIdx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.have.Set(int(pieceIdx))
}

// Interested reports whether peer has at least one piece this client still
// needs — the am_interested computation from the peer session.
func (s *Selector) Interested(peer netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf, ok := s.peerBitfields[peer]
	if !ok {
		return false
	}
	for i := 0; i < s.pieceCount; i++ {
		if bf.Has(i) && !s.have.Has(i) {
			return true
		}
	}
	return false
}

func (s *Selector) endgame() bool {
	remaining := s.pieceCount - int(s.db.NumCompleted())
	return remaining > 0 && remaining <= s.endgameThreshold
}

// Endgame reports whether the swarm has entered endgame mode: pieceCount
// minus completed pieces has dropped to endgameThreshold or below. Callers
// that poll blocks directly (download.Manager) need this to decide whether
// Piece.PollBlockRequest may hand out a duplicate.
func (s *Selector) Endgame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endgame()
}

// PollPiece returns a piece index this peer should be asked for next, or ok
// = false if none is eligible. The selector never returns a piece whose
// every block is already in flight elsewhere unless endgame mode is active.
func (s *Selector) PollPiece(peer netip.AddrPort) (pieceIdx uint32, ok bool) {
	s.mu.Lock()
	bf, known := s.peerBitfields[peer]
	endgame := s.endgame()
	strategy := s.strategy
	s.mu.Unlock()

	if !known {
		return 0, false
	}

	switch strategy {
	case config.StrategySequential:
		return s.pollSequential(bf, endgame)
	case config.StrategyRandom:
		return s.pollRandom(bf, endgame)
	default:
		return s.pollRarestFirst(bf, endgame)
	}
}

func (s *Selector) eligible(idx int, bf bitfield.Bitfield, endgame bool) bool {
	s.mu.Lock()
	have := s.have.Has(idx)
	s.mu.Unlock()

	if have || !bf.Has(idx) {
		return false
	}

	p, ok := s.db.Get(uint32(idx))
	if !ok || p.Complete() {
		return false
	}
	if !endgame && p.FullyRequested() {
		return false
	}

	return true
}

func (s *Selector) pollSequential(bf bitfield.Bitfield, endgame bool) (uint32, bool) {
	s.mu.Lock()
	start := s.nextSeq
	s.mu.Unlock()

	for off := 0; off < s.pieceCount; off++ {
		idx := (int(start) + off) % s.pieceCount
		if s.eligible(idx, bf, endgame) {
			s.mu.Lock()
			s.nextSeq = uint32(idx) + 1
			s.mu.Unlock()
			return uint32(idx), true
		}
	}
	return 0, false
}

func (s *Selector) pollRandom(bf bitfield.Bitfield, endgame bool) (uint32, bool) {
	candidates := make([]uint32, 0, s.pieceCount)
	for i := 0; i < s.pieceCount; i++ {
		if s.eligible(i, bf, endgame) {
			candidates = append(candidates, uint32(i))
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[rand.IntN(len(candidates))], true
}

func (s *Selector) pollRarestFirst(bf bitfield.Bitfield, endgame bool) (uint32, bool) {
	start, ok := s.avail.FirstNonEmpty()
	if !ok {
		return s.pollRandom(bf, endgame)
	}

	for a := start; a <= s.avail.maxAvail; a++ {
		bucket := s.avail.Bucket(a)
		if len(bucket) == 0 {
			continue
		}
		rand.Shuffle(len(bucket), func(i, j int) { bucket[i], bucket[j] = bucket[j], bucket[i] })

		for _, idx := range bucket {
			if s.eligible(idx, bf, endgame) {
				return uint32(idx), true
			}
		}
	}

	return 0, false
}

// GivebackPiece re-enables pieceIdx for selection after peer drops it (e.g.
// on disconnect or a block giveback at the piece layer). The selector keeps
// no per-piece in-flight-to-peer bookkeeping of its own — eligibility is
// derived live from Piece.FullyRequested — so this is a no-op kept for
// callers that want an explicit signal point.
func (s *Selector) GivebackPiece(peer netip.AddrPort, pieceIdx uint32) {}
