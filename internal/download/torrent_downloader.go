package download

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"btclient/internal/bitfield"
	"btclient/internal/config"
	"btclient/internal/peer"
	"btclient/internal/peerid"
	"btclient/internal/piece"
)

// eventKind tags the events the torrent downloader's actor goroutine
// serializes, each originating from a peer.Observer callback running
// on some other peer's own goroutine.
type eventKind int

const (
	evBitfieldReceived eventKind = iota
	evHaveObserved
	evBlockRequested
	evBlockReceived
	evPeerDialed
	evPeerDead
	evEndpointDiscovered
)

type event struct {
	kind eventKind

	conn *peer.Conn
	err  error

	index  int
	begin  int64
	length int64
	data   []byte

	bf bitfield.Bitfield

	addr netip.AddrPort
}

// TorrentDownloader is the single-writer actor owning every piece of
// mutable state for one torrent's download: the peer set, the rarity
// map, and the fleet of in-flight SegmentDownloaders. All mutation
// happens on its own goroutine (Run); every other entry point only
// enqueues an event or reads a snapshot.
type TorrentDownloader struct {
	cfg      config.Engine
	log      *slog.Logger
	infoHash [20]byte
	ourID    [20]byte
	layout   piece.Layout
	hashes   [][20]byte
	writer   FileWriter
	stats    *Stats
	rarity   *RarityMap

	endpoints <-chan netip.AddrPort
	events    chan event

	mu       sync.Mutex
	peers    map[string]*peer.Conn
	dialing  map[string]bool
	fleet    map[int]*SegmentDownloader
}

// NewTorrentDownloader wires together a rarity map, per-segment
// statistics, and the storage writer for one torrent.
func NewTorrentDownloader(infoHash, ourID [20]byte, layout piece.Layout, hashes [][20]byte, writer FileWriter, stats *Stats, endpoints <-chan netip.AddrPort, cfg config.Engine, log *slog.Logger) *TorrentDownloader {
	d := &TorrentDownloader{
		cfg:       cfg,
		log:       log,
		infoHash:  infoHash,
		ourID:     ourID,
		layout:    layout,
		hashes:    hashes,
		writer:    writer,
		stats:     stats,
		rarity:    NewRarityMap(layout.NumSegments),
		endpoints: endpoints,
		events:    make(chan event, 256),
		peers:     make(map[string]*peer.Conn),
		dialing:   make(map[string]bool),
		fleet:     make(map[int]*SegmentDownloader),
	}

	_, _, _, bf := stats.Snapshot()
	for i := 0; i < layout.NumSegments; i++ {
		if bf.Has(i) {
			d.rarity.MarkSuccess(i)
		}
	}
	return d
}

// Run drives the actor loop until ctx is cancelled. It does not return
// when the torrent completes; it keeps serving peers until then.
func (d *TorrentDownloader) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SchedulerTick)
	defer ticker.Stop()
	sweep := time.NewTicker(d.cfg.PeerSweepTick)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			d.closeAllPeers()
			return
		case ep, ok := <-d.endpoints:
			if !ok {
				d.endpoints = nil
				continue
			}
			d.maybeDial(ctx, ep)
		case ev := <-d.events:
			d.handleEvent(ctx, ev)
		case now := <-ticker.C:
			d.schedule(now)
		case now := <-sweep.C:
			d.reap(now)
		}
	}
}

func (d *TorrentDownloader) maybeDial(ctx context.Context, ep netip.AddrPort) {
	d.mu.Lock()
	if len(d.peers)+len(d.dialing) >= d.cfg.MaxActivePeers {
		d.mu.Unlock()
		return
	}
	addr := ep.String()
	if d.dialing[addr] {
		d.mu.Unlock()
		return
	}
	d.dialing[addr] = true
	d.mu.Unlock()

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
		conn, err := peer.Dial(dialCtx, addr, d.infoHash, d.ourID, d.layout.NumSegments, d.OurBitfield(), (*observerAdapter)(d), d.cfg, d.log)

		d.mu.Lock()
		delete(d.dialing, addr)
		d.mu.Unlock()

		if err != nil {
			d.log.Debug("dial failed", "addr", addr, "err", err)
			return
		}
		d.events <- event{kind: evPeerDialed, conn: conn}
	}()
}

func (d *TorrentDownloader) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evPeerDialed:
		d.mu.Lock()
		d.peers[ev.conn.ID()] = ev.conn
		d.mu.Unlock()
	case evBitfieldReceived:
		d.rarity.AddPeerBitfield(ev.conn, ev.bf.Has)
		d.declareInterestIfWanted(ev.conn, ev.bf)
	case evHaveObserved:
		d.rarity.AddPeerHave(ev.conn, ev.index)
		if d.wantSegment(ev.index) {
			_ = ev.conn.SetInterested(true)
		}
	case evBlockRequested:
		d.serveBlock(ev.conn, ev.index, ev.begin, ev.length)
	case evBlockReceived:
		d.onBlockReceived(ev.conn, ev.index, ev.begin, ev.data)
	case evPeerDead:
		d.onPeerDead(ev.conn)
	}
}

func (d *TorrentDownloader) serveBlock(from *peer.Conn, index int, begin, length int64) {
	_, _, _, bf := d.stats.Snapshot()
	if !bf.Has(index) {
		return
	}
	data, err := d.writer.ReadBlock(index, begin, length)
	if err != nil {
		d.log.Warn("failed reading block for upload", "segment", index, "err", err)
		return
	}
	if err := from.Send(pieceMessage(index, begin, data)); err != nil {
		d.log.Debug("failed sending piece to peer", "peer", from.RemoteAddr(), "err", err)
		return
	}
	d.stats.AddUploaded(int64(len(data)))
}

func (d *TorrentDownloader) onBlockReceived(from *peer.Conn, index int, begin int64, data []byte) {
	d.mu.Lock()
	sd, ok := d.fleet[index]
	d.mu.Unlock()
	if !ok {
		return
	}
	if !sd.HandleBlockReceived(from, begin, data) {
		return
	}

	d.mu.Lock()
	delete(d.fleet, index)
	d.mu.Unlock()

	if err := sd.Finish(); err != nil {
		d.rarity.Requeue(d.rarity.Segment(index))
		return
	}
	d.stats.MarkSegmentComplete(index)
	d.rarity.MarkSuccess(index)
	d.broadcastHave(index)
}

func (d *TorrentDownloader) broadcastHave(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		_ = p.Send(haveMessage(index))
	}
}

func (d *TorrentDownloader) onPeerDead(conn *peer.Conn) {
	d.mu.Lock()
	delete(d.peers, conn.ID())
	for _, sd := range d.fleet {
		sd.DropPeer(conn.ID())
	}
	d.mu.Unlock()
	d.rarity.RemovePeer(conn)
}

// declareInterestIfWanted sends `interested` to conn if its freshly
// received bitfield claims any segment we don't already hold,
// regardless of whether it is currently choking us — spec.md §4.2:
// interest is declared on observing a wanted bit, not deferred until
// the peer happens to be unchoked already.
func (d *TorrentDownloader) declareInterestIfWanted(conn *peer.Conn, bf bitfield.Bitfield) {
	_, _, _, ourBF := d.stats.Snapshot()
	for i := 0; i < d.layout.NumSegments; i++ {
		if bf.Has(i) && !ourBF.Has(i) {
			_ = conn.SetInterested(true)
			return
		}
	}
}

// wantSegment reports whether segment id is not yet held locally.
func (d *TorrentDownloader) wantSegment(id int) bool {
	_, _, _, ourBF := d.stats.Snapshot()
	return !ourBF.Has(id)
}

// schedule starts new segment downloads up to MaxConcurrentSegs and
// dispatches block requests for every segment already in flight.
func (d *TorrentDownloader) schedule(now time.Time) {
	d.mu.Lock()
	d.pruneOrphanedFleetLocked()
	for len(d.fleet) < d.cfg.MaxConcurrentSegs {
		seg, ok := d.rarity.PopRarest()
		if !ok {
			break
		}
		sd := NewSegmentDownloader(seg.ID, d.layout, d.hashes[seg.ID], d.cfg, d.writer, (*observerAdapter)(d))
		d.fleet[seg.ID] = sd
	}

	for segID, sd := range d.fleet {
		owners := d.ownersFor(segID)
		sd.Dispatch(now, owners)
	}
	d.mu.Unlock()
}

// pruneOrphanedFleetLocked drops any fleet entry left with no
// in-flight blocks and no alive owners (every peer that claimed the
// segment died or struck out mid-download), freeing its
// MaxConcurrentSegs slot and re-pushing the segment so it competes for
// scheduling again instead of sitting abandoned forever. Callers must
// hold d.mu.
func (d *TorrentDownloader) pruneOrphanedFleetLocked() {
	for segID, sd := range d.fleet {
		if !sd.Idle() {
			continue
		}
		if len(d.ownersFor(segID)) > 0 {
			continue
		}
		delete(d.fleet, segID)
		d.rarity.Requeue(d.rarity.Segment(segID))
	}
}

func (d *TorrentDownloader) ownersFor(segID int) []PeerHandle {
	seg := d.rarity.Segment(segID)
	raw := seg.Peers()
	out := make([]PeerHandle, 0, len(raw))
	for _, p := range raw {
		if conn, ok := p.(*peer.Conn); ok && conn.Alive() {
			out = append(out, conn)
		}
	}
	return out
}

func (d *TorrentDownloader) reap(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sd := range d.fleet {
		struck := sd.ReapExpired(now)
		for _, peerID := range struck {
			if conn, ok := d.findConnLocked(peerID); ok {
				d.rarity.RemovePeer(conn)
			}
		}
	}
	d.pruneOrphanedFleetLocked()
}

func (d *TorrentDownloader) findConnLocked(peerID string) (*peer.Conn, bool) {
	c, ok := d.peers[peerID]
	return c, ok
}

func (d *TorrentDownloader) closeAllPeers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.Close()
	}
}

// onSegmentSuccess and onSegmentFailed are called by observerAdapter
// as a SegmentObserver; the actual completion bookkeeping (stats,
// rarity map) happens inline in onBlockReceived right after Finish
// returns, so these only log.
func (d *TorrentDownloader) onSegmentSuccess(segmentID int) {
	d.log.Info("segment verified", "segment", segmentID)
}

func (d *TorrentDownloader) onSegmentFailed(segmentID int, err error) {
	d.log.Warn("segment failed integrity check, requeueing", "segment", segmentID, "err", err)
}

// PeerID returns the locally generated peer id this downloader
// announces to trackers and peers.
func PeerID() ([20]byte, error) {
	return peerid.Generate()
}

// InfoHash, OurID, NumSegments, Config, and Observer satisfy
// inbound.TorrentHandle, letting the inbound listener dispatch an
// accepted connection to the torrent it belongs to without importing
// this package's internals.
func (d *TorrentDownloader) InfoHash() [20]byte   { return d.infoHash }
func (d *TorrentDownloader) OurID() [20]byte      { return d.ourID }
func (d *TorrentDownloader) NumSegments() int     { return d.layout.NumSegments }
func (d *TorrentDownloader) Config() config.Engine { return d.cfg }
func (d *TorrentDownloader) Observer() peer.Observer { return (*observerAdapter)(d) }

// OurBitfield returns a snapshot of which segments we currently hold,
// sent to every newly connected peer as the first post-handshake
// message.
func (d *TorrentDownloader) OurBitfield() bitfield.Bitfield {
	_, _, _, bf := d.stats.Snapshot()
	return bf
}

// RegisterInbound enqueues a freshly accepted peer connection as if it
// had been dialed outbound.
func (d *TorrentDownloader) RegisterInbound(conn *peer.Conn) {
	d.events <- event{kind: evPeerDialed, conn: conn}
}
