package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Manager fans announce requests across a torrent's full tracker set,
// dedupes peer endpoints, and exposes them as a bounded channel.
// Per-client announces run concurrently via golang.org/x/sync/errgroup
// rather than walking the tracker list serially.
type Manager struct {
	clients  []Client
	statsFn  func() AnnounceRequest
	log      *slog.Logger
	endpoint chan netip.AddrPort

	refreshInterval time.Duration

	mu      sync.Mutex
	seen    map[netip.AddrPort]struct{}
	alive   []Client
	closeCh chan struct{}
	closed  bool
}

// NewManager constructs a manager over the given tracker clients.
// statsFn supplies the current torrent statistics (uploaded,
// downloaded, left) at announce time.
func NewManager(clients []Client, statsFn func() AnnounceRequest, log *slog.Logger) *Manager {
	return &Manager{
		clients:         clients,
		statsFn:         statsFn,
		log:             log,
		endpoint:        make(chan netip.AddrPort, 256),
		refreshInterval: 60 * time.Second,
		seen:            make(map[netip.AddrPort]struct{}),
		closeCh:         make(chan struct{}),
	}
}

// Endpoints returns the channel of freshly discovered peer endpoints.
func (m *Manager) Endpoints() <-chan netip.AddrPort {
	return m.endpoint
}

// Start issues a `started` announce to every tracker concurrently,
// drops any tracker that fails it, and begins the periodic refresh
// loop. It returns an error if every tracker fails.
func (m *Manager) Start(ctx context.Context) error {
	req := m.statsFn()
	req.Event = EventStarted

	var g errgroup.Group
	var mu sync.Mutex
	var alive []Client
	fastestRefresh := time.Duration(0)

	for _, c := range m.clients {
		c := c
		g.Go(func() error {
			resp, err := c.Announce(ctx, req)
			if err != nil {
				m.log.Warn("tracker failed started announce, dropping", "url", c.URL(), "err", err)
				return nil
			}
			mu.Lock()
			alive = append(alive, c)
			m.ingestPeers(resp.Peers)
			if want := refreshCandidate(resp); fastestRefresh == 0 || want < fastestRefresh {
				fastestRefresh = want
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-client errors are swallowed above; only fatal exhaustion below propagates.

	if len(alive) == 0 {
		return fmt.Errorf("tracker: no usable trackers (all %d failed `started`)", len(m.clients))
	}

	m.mu.Lock()
	m.alive = alive
	if fastestRefresh > 0 {
		m.refreshInterval = clampRefreshFloor(fastestRefresh)
	}
	m.mu.Unlock()

	go m.refreshLoop(ctx)
	return nil
}

// Close issues a `stopped` announce to every still-alive tracker and
// shuts down the refresh loop.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	alive := m.alive
	m.mu.Unlock()

	close(m.closeCh)

	req := m.statsFn()
	req.Event = EventStopped

	var g errgroup.Group
	for _, c := range alive {
		c := c
		g.Go(func() error {
			if _, err := c.Announce(ctx, req); err != nil {
				m.log.Warn("tracker failed stopped announce", "url", c.URL(), "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) refreshLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		interval := m.refreshInterval
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		case <-time.After(interval):
		}
		m.refreshOnce(ctx)
	}
}

func (m *Manager) refreshOnce(ctx context.Context) {
	req := m.statsFn()
	req.Event = EventNone

	m.mu.Lock()
	clients := append([]Client(nil), m.alive...)
	m.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var stillAlive []Client
	fastestRefresh := time.Duration(0)

	for _, c := range clients {
		c := c
		g.Go(func() error {
			resp, err := c.Announce(ctx, req)
			if err != nil {
				m.log.Warn("tracker refresh failed", "url", c.URL(), "err", err)
				return nil
			}
			mu.Lock()
			stillAlive = append(stillAlive, c)
			m.ingestPeers(resp.Peers)
			if want := refreshCandidate(resp); fastestRefresh == 0 || want < fastestRefresh {
				fastestRefresh = want
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	if len(stillAlive) > 0 {
		m.alive = stillAlive
	}
	if fastestRefresh > 0 {
		m.refreshInterval = clampRefreshFloor(fastestRefresh)
	}
	m.mu.Unlock()
}

// refreshCandidate prefers a tracker's `min interval` (the interval it
// explicitly asked not to be polled faster than) over its plain
// `interval`, the honored field when both are present.
func refreshCandidate(resp *AnnounceResponse) time.Duration {
	if resp.MinInterval > 0 {
		return resp.MinInterval
	}
	return resp.Interval
}

// clampRefreshFloor enforces the periodic refresh floor: never poll
// faster than 60s even if every tracker's min interval asks for less.
func clampRefreshFloor(d time.Duration) time.Duration {
	const floor = 60 * time.Second
	if d < floor {
		return floor
	}
	return d
}

func (m *Manager) ingestPeers(peers []netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range peers {
		if _, ok := m.seen[p]; ok {
			continue
		}
		m.seen[p] = struct{}{}
		select {
		case m.endpoint <- p:
		default:
			m.log.Warn("endpoint queue full, dropping peer", "peer", p)
		}
	}
}
