// Package tracker implements the HTTP and UDP tracker announce
// protocols, and the manager that fans announces across a torrent's
// tracker set. Both transports implement a common Client interface so
// the manager can treat them uniformly instead of branching on
// isHTTP/isUDP at every call site.
package tracker

import (
	"context"
	"net/netip"
	"time"
)

// Event mirrors the BitTorrent tracker announce `event` parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// AnnounceRequest carries the statistics every tracker announce
// reports, transport-agnostic.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
}

// AnnounceResponse is the transport-agnostic result of an announce.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string
	Complete    int
	Incomplete  int
	Peers       []netip.AddrPort
}

// Client is implemented by both the HTTP and UDP tracker clients.
type Client interface {
	// URL returns the tracker's announce URL, used for dedup/logging.
	URL() string
	// Announce performs one announce exchange.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
}
