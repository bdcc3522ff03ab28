package download

import (
	"crypto/sha1"
	"fmt"
	"time"

	"btclient/internal/btcore"
	"btclient/internal/config"
	"btclient/internal/piece"
	"btclient/internal/wire"
)

// PeerHandle is the subset of a peer connection the segment downloader
// needs, kept narrow so tests can supply a fake without standing up a
// real peer.Conn.
type PeerHandle interface {
	piece.PeerHandle
	Send(msg wire.Message) error
	Has(index int) bool
	RemoteAddr() string
	SetInterested(interested bool) error
	PeerChoking() bool
	Alive() bool
}

// FileWriter is the storage-side contract a completed, verified
// segment is handed to, and the source blocks are read back from for
// serving upload requests.
type FileWriter interface {
	WriteSegment(segmentID int, offset int64, data []byte) error
	ReadBlock(segmentID int, offset int64, length int64) ([]byte, error)
}

// SegmentObserver is notified of a segment download's terminal
// outcome.
type SegmentObserver interface {
	OnSegmentSuccess(segmentID int)
	OnSegmentFailed(segmentID int, err error)
}

// SegmentDownloader drives the block-level download of exactly one
// segment: dispatching requests to its owning peers up to the
// configured concurrency caps, reaping expired or failed blocks, and
// assembling/verifying the segment once every block is retrieved.
//
// It is not safe for concurrent use from multiple goroutines; the
// torrent downloader drives each SegmentDownloader from its own single
// event-processing goroutine.
type SegmentDownloader struct {
	segmentID int
	offset    int64
	expected  [20]byte
	layout    piece.Layout
	cfg       config.Engine

	blocks   []*piece.Block
	inFlight map[piece.BlockID]PeerHandle
	strikes  map[string]int

	writer FileWriter
	obs    SegmentObserver
}

// NewSegmentDownloader constructs a downloader for segmentID, whose
// expected SHA-1 is expectedHash.
func NewSegmentDownloader(segmentID int, layout piece.Layout, expectedHash [20]byte, cfg config.Engine, writer FileWriter, obs SegmentObserver) *SegmentDownloader {
	offsets := layout.BlockOffsets(segmentID)
	blocks := make([]*piece.Block, len(offsets))
	for i, off := range offsets {
		id := piece.BlockID{Segment: segmentID, Offset: off}
		blocks[i] = piece.NewBlock(id, layout.BlockLen(segmentID, off))
	}
	return &SegmentDownloader{
		segmentID: segmentID,
		offset:    layout.SegmentOffset(segmentID),
		expected:  expectedHash,
		layout:    layout,
		cfg:       cfg,
		blocks:    blocks,
		inFlight:  make(map[piece.BlockID]PeerHandle),
		strikes:   make(map[string]int),
		writer:    writer,
		obs:       obs,
	}
}

// SegmentID returns the segment this downloader is responsible for.
func (d *SegmentDownloader) SegmentID() int { return d.segmentID }

// Dispatch assigns Missing blocks to available owning peers, up to
// MaxPendingBlocks in-flight blocks at a time, giving each block to the
// peer with the fewest blocks of this segment already pending.
func (d *SegmentDownloader) Dispatch(now time.Time, owners []PeerHandle) {
	if len(owners) == 0 {
		return
	}

	inUse := make(map[string]bool, len(d.inFlight))
	for _, p := range d.inFlight {
		inUse[p.ID()] = true
	}

	for _, b := range d.blocks {
		if len(d.inFlight) >= d.cfg.MaxPendingBlocks {
			return
		}
		if b.Status != piece.Missing {
			continue
		}
		peer := d.pickPeer(owners, inUse)
		if peer == nil {
			return
		}
		if err := peer.SetInterested(true); err != nil {
			continue
		}
		msg := wire.Message{
			Kind:   wire.Request,
			Index:  uint32(d.segmentID),
			Begin:  uint32(b.ID.Offset),
			Length: uint32(b.Length),
		}
		if err := peer.Send(msg); err != nil {
			continue
		}
		b.MarkPending(now, d.cfg.BlockRequestTimeout)
		d.inFlight[b.ID] = peer
		inUse[peer.ID()] = true
	}
}

// pickPeer returns the alive, unchoking owner with the fewest blocks of
// this segment pending (ties go to the earlier owner), bringing in a
// peer not yet in use only while fewer than MaxPeersPerSegment
// distinct peers are.
func (d *SegmentDownloader) pickPeer(owners []PeerHandle, inUse map[string]bool) PeerHandle {
	pending := make(map[string]int, len(d.inFlight))
	for _, p := range d.inFlight {
		pending[p.ID()]++
	}
	var best PeerHandle
	for _, p := range owners {
		if !p.Alive() || p.PeerChoking() {
			continue
		}
		if !inUse[p.ID()] && len(inUse) >= d.cfg.MaxPeersPerSegment {
			continue
		}
		if best == nil || pending[p.ID()] < pending[best.ID()] {
			best = p
		}
	}
	return best
}

// HandleBlockReceived marks the block at begin as Retrieved if from
// is its assigned peer. It returns true once every block in the
// segment has been retrieved, signalling the caller to call Finish.
func (d *SegmentDownloader) HandleBlockReceived(from PeerHandle, begin int64, data []byte) bool {
	id := piece.BlockID{Segment: d.segmentID, Offset: begin}
	assigned, ok := d.inFlight[id]
	if !ok || assigned.ID() != from.ID() {
		return false
	}
	b := d.findBlock(id)
	if b == nil {
		return false
	}
	if !b.MarkRetrieved(data) {
		return false
	}
	delete(d.inFlight, id)
	return d.allRetrieved()
}

func (d *SegmentDownloader) findBlock(id piece.BlockID) *piece.Block {
	for _, b := range d.blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (d *SegmentDownloader) allRetrieved() bool {
	for _, b := range d.blocks {
		if b.Status != piece.Retrieved {
			return false
		}
	}
	return true
}

// ReapExpired reverts any Pending block whose deadline has passed back
// to Missing, and strikes the peer it was assigned to. It returns the
// ids of peers whose strike count exceeded the strike threshold and
// should be evicted from this segment's owner set.
func (d *SegmentDownloader) ReapExpired(now time.Time) []string {
	var struck []string
	for _, b := range d.blocks {
		if !b.Expired(now) {
			continue
		}
		id := b.ID
		peer, ok := d.inFlight[id]
		b.Revert()
		if !ok {
			continue
		}
		delete(d.inFlight, id)
		d.strikes[peer.ID()]++
		if d.strikes[peer.ID()] > d.cfg.StrikeThreshold {
			struck = append(struck, peer.ID())
		}
	}
	return struck
}

// DropPeer reverts any block currently assigned to peerID back to
// Missing, used when that peer's connection dies mid-request.
func (d *SegmentDownloader) DropPeer(peerID string) {
	for id, p := range d.inFlight {
		if p.ID() != peerID {
			continue
		}
		if b := d.findBlock(id); b != nil {
			b.Revert()
		}
		delete(d.inFlight, id)
	}
}

// Finish assembles every retrieved block in order, verifies the
// result's SHA-1 against the expected hash, and on success hands the
// bytes to the FileWriter. On integrity failure every block is reset
// to Missing so the segment can be retried from scratch.
func (d *SegmentDownloader) Finish() error {
	total := d.layout.SegmentLen(d.segmentID)
	buf := make([]byte, 0, total)
	for _, b := range d.blocks {
		buf = append(buf, b.Data...)
	}

	sum := sha1.Sum(buf)
	if sum != d.expected {
		for _, b := range d.blocks {
			b.Status = piece.Missing
			b.Deadline = time.Time{}
			b.Data = nil
		}
		err := fmt.Errorf("%w: segment %d", btcore.ErrIntegrity, d.segmentID)
		d.obs.OnSegmentFailed(d.segmentID, err)
		return err
	}

	if err := d.writer.WriteSegment(d.segmentID, d.offset, buf); err != nil {
		err = fmt.Errorf("%w: writing segment %d: %v", btcore.ErrTransient, d.segmentID, err)
		d.obs.OnSegmentFailed(d.segmentID, err)
		return err
	}

	d.obs.OnSegmentSuccess(d.segmentID)
	return nil
}

// Idle reports whether this downloader has no in-flight requests,
// used by the scheduler to decide whether a segment can be abandoned
// cleanly.
func (d *SegmentDownloader) Idle() bool {
	return len(d.inFlight) == 0
}
