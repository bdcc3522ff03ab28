package download

import (
	"sync"

	"btclient/internal/bitfield"
	"btclient/internal/piece"
)

// Stats tracks the running totals a tracker announce reports and the
// possession bitfield peers query, all behind one mutex since they
// change together as segments complete.
type Stats struct {
	mu sync.Mutex

	layout     piece.Layout
	left       int64
	downloaded int64
	uploaded   int64
	bf         bitfield.Bitfield
}

// NewStats seeds a Stats for a torrent with the given layout, with bf
// as the already-known possession state (e.g. from a resume scan). A
// nil bf starts with nothing possessed.
func NewStats(layout piece.Layout, bf bitfield.Bitfield) *Stats {
	if bf == nil {
		bf = bitfield.New(layout.NumSegments)
	}
	s := &Stats{layout: layout, bf: bf}
	s.left = layout.TotalLength
	for id := 0; id < layout.NumSegments; id++ {
		if bf.Has(id) {
			s.left -= layout.SegmentLen(id)
		}
	}
	if s.left < 0 {
		s.left = 0
	}
	return s
}

// MarkSegmentComplete records that segmentID is now fully held,
// decrementing Left and setting the bit in the possession bitfield.
// It is a no-op if the segment was already marked complete.
func (s *Stats) MarkSegmentComplete(segmentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bf.Has(segmentID) {
		return
	}
	s.bf.Set(segmentID)
	segLen := s.layout.SegmentLen(segmentID)
	s.downloaded += segLen
	s.left -= segLen
	if s.left < 0 {
		s.left = 0
	}
}

// AddUploaded records bytes served to peers.
func (s *Stats) AddUploaded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded += n
}

// Snapshot returns the current downloaded/uploaded/left counters and a
// copy of the possession bitfield.
func (s *Stats) Snapshot() (downloaded, uploaded, left int64, bf bitfield.Bitfield) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloaded, s.uploaded, s.left, s.bf.Clone()
}

// Complete reports whether every segment has been downloaded.
func (s *Stats) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left <= 0
}
