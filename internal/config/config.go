// Package config holds the client's tunable parameters: networking,
// tracker, piece-picker, choking, and keepalive behavior. There is no
// persistence layer — Config exists only in memory for the lifetime of the
// process.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Strategy enumerates the high-level piece selection policies the selector
// can apply.
type Strategy uint8

const (
	// StrategyRarestFirst prioritizes pieces with the lowest availability,
	// improving swarm health and resilience.
	StrategyRarestFirst Strategy = iota

	// StrategyRandom samples uniformly among eligible pieces, avoiding
	// clumping on the same pieces as other peers. This is the default.
	StrategyRandom

	// StrategySequential downloads pieces in ascending index order. Good
	// for streaming/locality, poor for swarm health.
	StrategySequential
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the directory new downloads are written to.
	DefaultDownloadDir string

	// ClientID is this client's 20-byte peer id, sent in every handshake.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxPeers     int

	// ========== Tracker / Announce ==========

	NumWant             uint32
	AnnounceInterval    time.Duration // 0 uses the tracker's suggested interval
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	Port                uint16

	// =========== Rate Limits ==========

	MaxUploadRate            int64 // bytes/sec, 0 = unlimited
	MaxDownloadRate          int64 // bytes/sec, 0 = unlimited
	RateLimitRefresh         time.Duration
	PeerOutboundQueueBacklog int

	// ========== Piece Selector / Requests ==========

	PieceDownloadStrategy      Strategy
	MaxInflightRequestsPerPeer int
	MinInflightRequestsPerPeer int
	RequestQueueTime           time.Duration
	RequestTimeout             time.Duration

	// EndgameThreshold is the number of remaining pieces at which the
	// selector switches into endgame mode, requesting outstanding blocks
	// from multiple peers at once.
	EndgameThreshold int

	// EndgameDupPerBlock caps the number of peers concurrently assigned
	// the same block while in endgame mode.
	EndgameDupPerBlock int

	MaxRequestsPerPiece int

	// ========== Seeding / Choking ==========

	UploadSlots               int
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration

	// ========== Keepalive / Heartbeats ==========

	PeerHeartbeatInterval  time.Duration
	PeerInactivityDuration time.Duration
	KeepAliveInterval      time.Duration

	// ========== Miscellaneous ==========

	EnableIPv6 bool
	HasIPV6    bool
}

// Default returns sensible defaults for most use cases.
func Default() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	hasIPV6 := hasIPV6()

	return Config{
		DefaultDownloadDir:         defaultDownloadDir(),
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        20 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		Port:                       6881,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		RateLimitRefresh:           200 * time.Millisecond,
		PeerOutboundQueueBacklog:   256,
		PieceDownloadStrategy:      StrategyRandom,
		MaxInflightRequestsPerPeer: 10,
		MinInflightRequestsPerPeer: 2,
		RequestQueueTime:           3 * time.Second,
		RequestTimeout:             60 * time.Second,
		EndgameDupPerBlock:         2,
		EndgameThreshold:           5,
		MaxRequestsPerPiece:        128,
		UploadSlots:                4,
		RechokeInterval:            10 * time.Second,
		OptimisticUnchokeInterval:  30 * time.Second,
		PeerHeartbeatInterval:      60 * time.Second,
		PeerInactivityDuration:     2 * time.Minute,
		KeepAliveInterval:          90 * time.Second,
		EnableIPv6:                 hasIPV6,
		HasIPV6:                    hasIPV6,
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "torrentcore")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "torrentcore", "downloads")
	}
}

// generateClientID builds a 20-byte Azureus-style peer id: an 8-byte
// "-TC0001-" prefix followed by 12 random bytes.
func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-TC0001-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return id, nil
}
