package download

import (
	"testing"

	"btclient/internal/bitfield"
	"btclient/internal/piece"

	"github.com/stretchr/testify/require"
)

func TestNewStatsComputesLeftFromResumeBitfield(t *testing.T) {
	layout := piece.NewLayout(10, 4) // segments: 4,4,2
	s := NewStats(layout, nil)
	dl, _, left, _ := s.Snapshot()
	require.Equal(t, int64(0), dl)
	require.Equal(t, int64(10), left)

	resumed := bitfield.New(layout.NumSegments)
	resumed.Set(0)
	resumed.Set(2)
	s = NewStats(layout, resumed)
	_, _, left, bf := s.Snapshot()
	require.Equal(t, int64(4), left)
	require.True(t, bf.Has(0))
	require.True(t, bf.Has(2))
}

func TestMarkSegmentCompleteIsIdempotent(t *testing.T) {
	layout := piece.NewLayout(10, 4)
	s := NewStats(layout, nil)

	s.MarkSegmentComplete(0)
	dl, _, left, bf := s.Snapshot()
	require.Equal(t, int64(4), dl)
	require.Equal(t, int64(6), left)
	require.True(t, bf.Has(0))

	s.MarkSegmentComplete(0)
	dl2, _, left2, _ := s.Snapshot()
	require.Equal(t, dl, dl2)
	require.Equal(t, left, left2)
}

func TestStatsCompleteWhenAllSegmentsDone(t *testing.T) {
	layout := piece.NewLayout(10, 4) // segments: 4,4,2
	require.Equal(t, 3, layout.NumSegments)
	s := NewStats(layout, nil)
	require.False(t, s.Complete())

	s.MarkSegmentComplete(0)
	s.MarkSegmentComplete(1)
	require.False(t, s.Complete())

	s.MarkSegmentComplete(2)
	require.True(t, s.Complete())

	s.AddUploaded(100)
	_, up, _, _ := s.Snapshot()
	require.Equal(t, int64(100), up)
}
