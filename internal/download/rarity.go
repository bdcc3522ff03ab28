package download

import (
	"sync"

	"btclient/internal/piece"
)

// RarityMap is the torrent downloader's view of which peers own which
// segment, backed by a piece.RarityQueue so the scheduler can always
// pop the segment with the fewest known owners. Every method is safe
// for concurrent use; the queue itself is not, so this type owns the
// one mutex that guards it.
type RarityMap struct {
	mu       sync.Mutex
	segments []*piece.Segment
	queue    *piece.RarityQueue
	done     map[int]bool
}

// NewRarityMap builds a rarity map over numSegments segments, all
// initially untouched and absent from the queue until a peer reports
// owning them.
func NewRarityMap(numSegments int) *RarityMap {
	segs := make([]*piece.Segment, numSegments)
	for i := range segs {
		segs[i] = piece.NewSegment(i)
	}
	return &RarityMap{
		segments: segs,
		queue:    piece.NewRarityQueue(),
		done:     make(map[int]bool),
	}
}

// AddPeerBitfield registers every segment p's bitfield claims, used
// once after a peer sends its initial `bitfield` message.
func (m *RarityMap) AddPeerBitfield(p piece.PeerHandle, has func(int) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, seg := range m.segments {
		if m.done[i] || !has(i) {
			continue
		}
		if seg.AddPeer(p) {
			m.touchLocked(seg)
		}
	}
}

// AddPeerHave registers a single segment p now claims to own, used for
// incremental `have` messages after the initial bitfield.
func (m *RarityMap) AddPeerHave(p piece.PeerHandle, segmentID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if segmentID < 0 || segmentID >= len(m.segments) || m.done[segmentID] {
		return
	}
	seg := m.segments[segmentID]
	if seg.AddPeer(p) {
		m.touchLocked(seg)
	}
}

// RemovePeer drops p from every segment's owner set, used when a peer
// connection dies.
func (m *RarityMap) RemovePeer(p piece.PeerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, seg := range m.segments {
		if m.done[i] {
			continue
		}
		if seg.RemovePeer(p) {
			m.touchLocked(seg)
		}
	}
}

// touchLocked re-pushes seg's current owner count into the queue.
// Callers must hold m.mu.
func (m *RarityMap) touchLocked(seg *piece.Segment) {
	if seg.PeersCount() == 0 {
		m.queue.Remove(seg.ID)
		return
	}
	m.queue.Push(seg.PeersCount(), seg.ID)
}

// PopRarest removes and returns the segment with the fewest known
// owners, or (nil, false) if no not-yet-downloaded segment currently
// has a known owner.
func (m *RarityMap) PopRarest() (*piece.Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, key, err := m.queue.Pop()
	if err != nil {
		return nil, false
	}
	return m.segments[key], true
}

// Requeue re-inserts a segment that was popped but whose download
// attempt failed (e.g. integrity check or peer exhaustion), so it
// competes for scheduling again.
func (m *RarityMap) Requeue(seg *piece.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done[seg.ID] {
		return
	}
	m.touchLocked(seg)
}

// MarkSuccess permanently removes a segment from scheduling once its
// data has been verified and written.
func (m *RarityMap) MarkSuccess(segmentID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[segmentID] = true
	m.queue.Remove(segmentID)
}

// Segment returns the Segment value for id, for callers (e.g. the
// scheduler) that need to inspect owner sets directly.
func (m *RarityMap) Segment(id int) *piece.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments[id]
}
