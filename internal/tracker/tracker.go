// Package tracker implements an HTTP-only BEP 3 tracker client: announcing
// to a tiered list of trackers (BEP 12 announce-list semantics), retrying
// transient failures, and running a periodic announce loop on the
// tracker-supplied interval.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvnl/torrentcore/internal/bencode"
	"github.com/kvnl/torrentcore/internal/config"
	"github.com/kvnl/torrentcore/internal/retry"
)

const maxResponseSize = 2 * 1024 * 1024 // 2MB

const (
	maxBackoffShift        = 5
	maxConsecutiveFailures = 5
)

// Event is the BEP 3 `&event=` announce parameter.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "none"
	}
}

// Params are the parameters of a single announce request.
type Params struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	NumWant    uint32
	Port       uint16
}

// Response is a tracker's decoded announce reply.
type Response struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Stats holds running counters for a Client's announce history.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

// Metrics is a snapshot of Stats with timestamps materialized.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Client announces to a tiered list of HTTP/HTTPS tracker URLs (BEP 12),
// shuffling within each tier and promoting URLs that respond successfully.
type Client struct {
	httpClient *http.Client

	mu         sync.Mutex
	tiers      [][]*url.URL
	trackerIDs map[string]string // per-URL last-known tracker id

	log   *slog.Logger
	stats *Stats
}

// NewClient builds a Client from a .torrent's primary announce URL and its
// optional announce-list tiers. Non-HTTP(S) URLs are dropped (UDP tracker
// support is out of scope).
func NewClient(announce string, announceList [][]string, log *slog.Logger) (*Client, error) {
	tiers, err := buildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) { tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a] })
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		tiers:      tiers,
		trackerIDs: make(map[string]string),
		log:        log.With("component", "tracker", "tiers", len(tiers)),
		stats:      &Stats{},
	}, nil
}

// Stats returns a snapshot of this client's announce counters.
func (c *Client) Stats() Metrics {
	s := c.stats

	var lastAnn, lastSuc time.Time
	if v := s.LastAnnounce.Load(); v > 0 {
		lastAnn = time.Unix(v, 0)
	}
	if v := s.LastSuccess.Load(); v > 0 {
		lastSuc = time.Unix(v, 0)
	}

	return Metrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnn,
		LastSuccess:         lastSuc,
	}
}

// Announce tries every URL in every tier, in order, until one responds
// successfully (BEP 12 tier-failover). A successful URL is promoted to the
// front of its tier. Each URL gets up to 2 attempts via internal/retry
// before the client moves on, absorbing transient TrackerFailure.
func (c *Client) Announce(ctx context.Context, params *Params) (*Response, error) {
	c.stats.TotalAnnounces.Add(1)
	c.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := 0; tierIdx < len(c.tiers); tierIdx++ {
		tier := c.snapshotTier(tierIdx)

		for i, u := range tier {
			resp, err := c.announceOne(ctx, u, params)
			if err != nil {
				lastErr = err
				continue
			}

			c.promoteWithinTier(tierIdx, i)

			c.stats.SuccessfulAnnounces.Add(1)
			c.stats.LastSuccess.Store(time.Now().Unix())
			c.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			c.stats.CurrentSeeders.Store(resp.Seeders)
			c.stats.CurrentLeechers.Store(resp.Leechers)

			c.log.Info("announce success", "tier", tierIdx, "url", u.String(), "peers", len(resp.Peers))
			return resp, nil
		}

		c.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	c.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

func (c *Client) announceOne(ctx context.Context, u *url.URL, params *Params) (*Response, error) {
	var resp *Response

	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := c.doRequest(ctx, u, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, retry.WithMaxAttempts(2), retry.WithInitialDelay(500*time.Millisecond), retry.WithMaxDelay(2*time.Second))

	return resp, err
}

func (c *Client) doRequest(ctx context.Context, u *url.URL, params *Params) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildAnnounceURL(u, params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, string(body))
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if r.TrackerID != "" {
		c.mu.Lock()
		c.trackerIDs[u.String()] = r.TrackerID
		c.mu.Unlock()
	}

	return r, nil
}

func (c *Client) buildAnnounceURL(u *url.URL, params *Params) string {
	dst := *u
	q := dst.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	c.mu.Lock()
	trackerID := c.trackerIDs[u.String()]
	c.mu.Unlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	dst.RawQuery = q.Encode()
	return dst.String()
}

// Run drives a periodic announce loop: it calls onStart to build the next
// Params, announces, and calls onSuccess with the returned peers, scheduling
// the next tick from the tracker's advertised interval. On failure it backs
// off exponentially and gives up after maxConsecutiveFailures.
func (c *Client) Run(ctx context.Context, onStart func() *Params, onSuccess func([]netip.AddrPort)) error {
	l := c.log.With("loop", "announce")
	l.Debug("started")

	consecutiveFailures := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			params := onStart()
			params.Event = EventStopped
			_, _ = c.Announce(sctx, params)
			cancel()
			return nil

		case <-ticker.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return errors.New("tracker: exhausted all announce attempts")
			}

			resp, err := c.Announce(ctx, onStart())
			if err != nil {
				consecutiveFailures++
				ticker.Reset(calculateBackoff(consecutiveFailures, maxBackoffShift))
				continue
			}

			onSuccess(resp.Peers)
			consecutiveFailures = 0
			ticker.Reset(nextAnnounceInterval(resp))
		}
	}
}

func (c *Client) snapshotTier(at int) []*url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*url.URL(nil), c.tiers[at]...)
}

func (c *Client) promoteWithinTier(tierIdx, urlIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tier := c.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func buildTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseHTTPTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, raw := range tier {
			if u, ok := parseHTTPTrackerURL(raw); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no http/https announce urls")
	}
	return tiers, nil
}

func parseHTTPTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

func calculateBackoff(failures, maxShift int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := baseDelay * (1 << uint(shift))
	if max := config.Load().MaxAnnounceBackoff; max > 0 && delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}

func nextAnnounceInterval(resp *Response) time.Duration {
	cfg := config.Load()

	interval := cfg.AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if cfg.MinAnnounceInterval > 0 && interval < cfg.MinAnnounceInterval {
		interval = cfg.MinAnnounceInterval
	}

	return interval
}

func parseAnnounceResponse(r io.Reader) (*Response, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce expected dict, got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}
	if warning, ok := dict["warning reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce warning: %s", warning)
	}

	interval, err := toInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := decodePeers(dict["peers"], false)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	minInterval, _ := toInt(dict["min interval"])
	seeders, _ := toInt(dict["complete"])
	leechers, _ := toInt(dict["incomplete"])
	trackerID, _ := toString(dict["trackerid"])

	return &Response{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}
