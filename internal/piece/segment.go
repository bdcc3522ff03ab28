package piece

// SegmentStatus is the lifecycle state of one segment.
type SegmentStatus int

const (
	NotStarted SegmentStatus = iota
	SegPending
	Failed
	Success
)

func (s SegmentStatus) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case SegPending:
		return "pending"
	case Failed:
		return "failed"
	case Success:
		return "success"
	default:
		return "unknown"
	}
}

// PeerHandle is the minimal identity a segment needs from a peer
// connection: a stable key for set membership. Keeping this as an
// interface (rather than importing the peer package) avoids a cyclic
// dependency between piece and peer — the peer-wire connection is the
// one piece of state piece.Segment must reference without owning.
type PeerHandle interface {
	ID() string
}

// Segment tracks one piece's download status and the set of connected
// peers known to possess it.
type Segment struct {
	ID     int
	Status SegmentStatus

	peers map[string]PeerHandle
}

// NewSegment constructs a NotStarted segment with no known owners.
func NewSegment(id int) *Segment {
	return &Segment{ID: id, Status: NotStarted, peers: make(map[string]PeerHandle)}
}

// AddPeer records that p claims to have this segment. It returns true
// if p was not already recorded (i.e. peers_count changed), making
// repeated `have` messages from the same peer idempotent.
func (s *Segment) AddPeer(p PeerHandle) bool {
	if _, ok := s.peers[p.ID()]; ok {
		return false
	}
	s.peers[p.ID()] = p
	return true
}

// RemovePeer drops p from this segment's owner set, returning true if
// it was present.
func (s *Segment) RemovePeer(p PeerHandle) bool {
	if _, ok := s.peers[p.ID()]; !ok {
		return false
	}
	delete(s.peers, p.ID())
	return true
}

// HasPeer reports whether p is currently a known owner of this
// segment.
func (s *Segment) HasPeer(p PeerHandle) bool {
	_, ok := s.peers[p.ID()]
	return ok
}

// PeersCount returns the current owner count, derived directly from
// the peer set rather than cached separately.
func (s *Segment) PeersCount() int {
	return len(s.peers)
}

// Peers returns a snapshot slice of the current owners.
func (s *Segment) Peers() []PeerHandle {
	out := make([]PeerHandle, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}
