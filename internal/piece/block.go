package piece

import "time"

// BlockStatus is the lifecycle state of one block.
type BlockStatus int

const (
	Missing BlockStatus = iota
	Pending
	Retrieved
)

func (s BlockStatus) String() string {
	switch s {
	case Missing:
		return "missing"
	case Pending:
		return "pending"
	case Retrieved:
		return "retrieved"
	default:
		return "unknown"
	}
}

// BlockID identifies a block by (segment, offset) only; equality and
// hashing never consider length or status.
type BlockID struct {
	Segment int
	Offset  int64
}

// Block is one request/response unit within a segment.
type Block struct {
	ID       BlockID
	Length   int64
	Status   BlockStatus
	Data     []byte
	Deadline time.Time
}

// NewBlock constructs a Missing block of the given length.
func NewBlock(id BlockID, length int64) *Block {
	return &Block{ID: id, Length: length, Status: Missing}
}

// MarkPending transitions the block to Pending with an expiration
// deadline of now+timeout.
func (b *Block) MarkPending(now time.Time, timeout time.Duration) {
	b.Status = Pending
	b.Deadline = now.Add(timeout)
}

// MarkRetrieved transitions the block to Retrieved and stores its
// data, provided the data length matches the declared block length.
// It is a no-op if the block already holds data, so a duplicate/late
// piece message for an already-Retrieved block cannot clobber it.
func (b *Block) MarkRetrieved(data []byte) bool {
	if b.Status == Retrieved {
		return true
	}
	if int64(len(data)) != b.Length {
		return false
	}
	b.Status = Retrieved
	b.Data = data
	return true
}

// Expired reports whether a Pending block's deadline has passed as of
// now. A block that is not Pending is never "expired".
func (b *Block) Expired(now time.Time) bool {
	return b.Status == Pending && !b.Deadline.After(now)
}

// Revert reverts an expired Pending block back to Missing, discarding
// any deadline. It is a no-op if the block has already been retrieved
// (the watchdog racing a late successful delivery must not undo it).
func (b *Block) Revert() {
	if b.Status == Retrieved {
		return
	}
	b.Status = Missing
	b.Deadline = time.Time{}
}
