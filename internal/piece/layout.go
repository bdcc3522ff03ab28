// Package piece implements the piece/block model: segment and block
// length policy, block and segment state, and the rarity priority
// queue used to pick which segment to schedule next.
package piece

// BlockSize is the maximum block length a request/piece message may
// carry.
const BlockSize = 1 << 14

// Layout captures a torrent's segment-length policy: segments
// [0, NumSegments-1) are exactly SegmentLength; the last one carries
// whatever remains. When the total length divides evenly, the last
// segment is a full SegmentLength rather than a zero-length remainder.
type Layout struct {
	TotalLength   int64
	SegmentLength int64
	NumSegments   int
}

// NewLayout derives a Layout from a torrent's total length and
// declared segment length.
func NewLayout(totalLength, segmentLength int64) Layout {
	n := int((totalLength + segmentLength - 1) / segmentLength)
	if n < 1 {
		n = 1
	}
	return Layout{
		TotalLength:   totalLength,
		SegmentLength: segmentLength,
		NumSegments:   n,
	}
}

// SegmentLen returns the length in bytes of segment id, accounting for
// a possibly-shorter final segment.
func (l Layout) SegmentLen(id int) int64 {
	if id != l.NumSegments-1 {
		return l.SegmentLength
	}
	rem := l.TotalLength % l.SegmentLength
	if rem == 0 {
		return l.SegmentLength
	}
	return rem
}

// SegmentOffset returns the byte offset of segment id within the
// concatenated torrent payload.
func (l Layout) SegmentOffset(id int) int64 {
	return int64(id) * l.SegmentLength
}

// NumBlocks returns how many blocks segment id is divided into.
func (l Layout) NumBlocks(id int) int {
	segLen := l.SegmentLen(id)
	return int((segLen + BlockSize - 1) / BlockSize)
}

// BlockLen returns the length of the block at the given offset within
// segment id — BlockSize, except for the final block of the final
// segment, which may be shorter.
func (l Layout) BlockLen(id int, offset int64) int64 {
	segLen := l.SegmentLen(id)
	remaining := segLen - offset
	if remaining > BlockSize {
		return BlockSize
	}
	return remaining
}

// BlockOffsets returns the starting offset of every block in segment
// id, in ascending order.
func (l Layout) BlockOffsets(id int) []int64 {
	n := l.NumBlocks(id)
	offsets := make([]int64, n)
	for i := 0; i < n; i++ {
		offsets[i] = int64(i) * BlockSize
	}
	return offsets
}
