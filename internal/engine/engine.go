// Package engine wires one torrent's metainfo, storage, tracker
// manager, and torrent downloader together into a single runnable
// unit, and tags each run with a session id for log correlation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"

	"btclient/internal/bitfield"
	"btclient/internal/config"
	"btclient/internal/download"
	"btclient/internal/metainfo"
	"btclient/internal/peer"
	"btclient/internal/piece"
	"btclient/internal/storage"
	"btclient/internal/tracker"

	"github.com/google/uuid"
)

// Engine runs a single torrent: resuming whatever is already on disk,
// announcing to its trackers, and driving the download (or, once
// complete, continuing to seed) until Close is called.
type Engine struct {
	sessionID uuid.UUID
	log       *slog.Logger
	cfg       config.Engine

	meta   *metainfo.Metainfo
	layout piece.Layout
	hashes [][20]byte
	ourID  [20]byte

	writer     *storage.Writer
	stats      *download.Stats
	td         *download.TorrentDownloader
	trackerMgr *tracker.Manager
}

// New loads a torrent's on-disk state (preallocating and hash-checking
// every segment already present) and wires up everything needed to
// run it, without yet announcing or dialing anyone.
func New(meta *metainfo.Metainfo, outputRoot string, cfg config.Engine, log *slog.Logger) (*Engine, error) {
	ourID, err := download.PeerID()
	if err != nil {
		return nil, fmt.Errorf("engine: generating peer id: %w", err)
	}

	layout := piece.NewLayout(meta.TotalLength(), meta.Info.PieceLength)
	hashes, err := meta.PieceHashes()
	if err != nil {
		return nil, fmt.Errorf("engine: reading piece hashes: %w", err)
	}
	if len(hashes) != layout.NumSegments {
		return nil, fmt.Errorf("engine: metainfo declares %d piece hashes but layout has %d segments", len(hashes), layout.NumSegments)
	}

	writer, err := storage.NewWriter(outputRoot, meta, layout, cfg.OpenFileLRUSize, log.With("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("engine: preparing storage: %w", err)
	}

	bf, err := resumeScan(writer, layout, hashes)
	if err != nil {
		return nil, err
	}
	stats := download.NewStats(layout, bf)

	clients, err := buildTrackerClients(meta, cfg, log.With("component", "tracker"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		sessionID: uuid.New(),
		log:       log.With("torrent", meta.Info.Name),
		cfg:       cfg,
		meta:      meta,
		layout:    layout,
		hashes:    hashes,
		ourID:     ourID,
		writer:    writer,
		stats:     stats,
	}

	statsFn := func() tracker.AnnounceRequest {
		downloaded, uploaded, left, _ := stats.Snapshot()
		return tracker.AnnounceRequest{
			InfoHash:   meta.InfoHash,
			PeerID:     ourID,
			Port:       cfg.ListenPort,
			Uploaded:   uint64(uploaded),
			Downloaded: uint64(downloaded),
			Left:       uint64(left),
		}
	}
	e.trackerMgr = tracker.NewManager(clients, statsFn, log.With("component", "tracker"))
	e.td = download.NewTorrentDownloader(meta.InfoHash, ourID, layout, hashes, writer, stats, e.trackerMgr.Endpoints(), cfg, e.log)

	_, _, left, _ := stats.Snapshot()
	e.log.Info("engine initialized", "session", e.sessionID, "segments", layout.NumSegments, "resumed_bytes", layout.TotalLength-left)
	return e, nil
}

// resumeScan hash-checks every segment already present on disk and
// returns a bitfield of the ones that verify.
func resumeScan(writer *storage.Writer, layout piece.Layout, hashes [][20]byte) (bitfield.Bitfield, error) {
	bf := bitfield.New(layout.NumSegments)
	for id := 0; id < layout.NumSegments; id++ {
		ok, err := writer.CheckSegment(layout.SegmentOffset(id), layout.SegmentLen(id), hashes[id])
		if err != nil {
			return nil, fmt.Errorf("engine: resume-scanning segment %d: %w", id, err)
		}
		if ok {
			bf.Set(id)
		}
	}
	return bf, nil
}

// buildTrackerClients constructs one tracker.Client per announce URL
// named by the metainfo (preferring the full announce-list over the
// single announce field when both are present), choosing the HTTP or
// UDP transport by URL scheme.
func buildTrackerClients(meta *metainfo.Metainfo, cfg config.Engine, log *slog.Logger) ([]tracker.Client, error) {
	urls := flattenAnnounceList(meta)
	if len(urls) == 0 {
		return nil, fmt.Errorf("engine: metainfo names no announce URL")
	}

	var clients []tracker.Client
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			log.Warn("skipping unparseable announce url", "url", raw, "err", err)
			continue
		}
		switch u.Scheme {
		case "http", "https":
			clients = append(clients, tracker.NewHTTPClient(raw, cfg.TrackerHTTPTimeout, log))
		case "udp":
			clients = append(clients, tracker.NewUDPClient(raw, u.Host, cfg.TrackerRetryBackoff, cfg.MaxUDPTrackerRetries, log))
		default:
			log.Warn("skipping unsupported tracker scheme", "url", raw, "scheme", u.Scheme)
		}
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("engine: no usable tracker URLs among %d announced", len(urls))
	}
	return clients, nil
}

func flattenAnnounceList(meta *metainfo.Metainfo) []string {
	if len(meta.AnnounceList) > 0 {
		var urls []string
		for _, tier := range meta.AnnounceList {
			urls = append(urls, tier...)
		}
		return urls
	}
	if meta.Announce != "" {
		return []string{meta.Announce}
	}
	return nil
}

// Start announces to every tracker and begins driving the download
// (or seeding, if already complete) on its own goroutine. The returned
// error only reflects the initial tracker announce; Run itself keeps
// going in the background until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.trackerMgr.Start(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	go e.td.Run(ctx)
	return nil
}

// Close issues a final `stopped` tracker announce and releases the
// storage layer's open file handles. The torrent downloader's own
// goroutine is expected to have already exited via ctx cancellation.
func (e *Engine) Close(ctx context.Context) error {
	trackerErr := e.trackerMgr.Close(ctx)
	writerErr := e.writer.Close()
	if trackerErr != nil {
		return fmt.Errorf("engine: closing trackers: %w", trackerErr)
	}
	if writerErr != nil {
		return fmt.Errorf("engine: closing storage: %w", writerErr)
	}
	return nil
}

// Snapshot returns the torrent's current download/upload/remaining
// byte counts and possession bitfield, for CLI progress reporting.
func (e *Engine) Snapshot() (downloaded, uploaded, left int64, bf bitfield.Bitfield) {
	return e.stats.Snapshot()
}

// Complete reports whether every segment has been downloaded and
// verified.
func (e *Engine) Complete() bool {
	return e.stats.Complete()
}

// Name returns the torrent's declared name, used for display and the
// default output subdirectory.
func (e *Engine) Name() string { return e.meta.Info.Name }

// TotalLength returns the torrent's total payload length in bytes.
func (e *Engine) TotalLength() int64 { return e.meta.TotalLength() }

// The following methods satisfy inbound.TorrentHandle, letting a
// shared Listener dispatch an inbound connection to this Engine's
// torrent downloader by info_hash.

func (e *Engine) InfoHash() [20]byte          { return e.meta.InfoHash }
func (e *Engine) OurID() [20]byte             { return e.ourID }
func (e *Engine) NumSegments() int            { return e.layout.NumSegments }
func (e *Engine) Config() config.Engine       { return e.cfg }
func (e *Engine) Observer() peer.Observer     { return e.td.Observer() }
func (e *Engine) OurBitfield() bitfield.Bitfield { return e.td.OurBitfield() }
func (e *Engine) RegisterInbound(c *peer.Conn) { e.td.RegisterInbound(c) }

// Endpoints exposes the tracker manager's discovered-peer channel,
// useful for tests and CLI diagnostics.
func (e *Engine) Endpoints() <-chan netip.AddrPort { return e.trackerMgr.Endpoints() }
