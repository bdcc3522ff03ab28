package download

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ id string }

func (f fakeHandle) ID() string { return f.id }

func TestRarityMapPopsRarestFirst(t *testing.T) {
	m := NewRarityMap(3)
	a, b, c := fakeHandle{"a"}, fakeHandle{"b"}, fakeHandle{"c"}

	// segment 0 owned by a,b,c (3); segment 1 owned by a (1); segment 2 owned by a,b (2)
	m.AddPeerBitfield(a, func(i int) bool { return true })
	m.AddPeerBitfield(b, func(i int) bool { return i == 0 || i == 2 })
	m.AddPeerBitfield(c, func(i int) bool { return i == 0 })

	seg, ok := m.PopRarest()
	require.True(t, ok)
	require.Equal(t, 1, seg.ID)

	seg2, ok := m.PopRarest()
	require.True(t, ok)
	require.Equal(t, 2, seg2.ID)

	seg3, ok := m.PopRarest()
	require.True(t, ok)
	require.Equal(t, 0, seg3.ID)

	_, ok = m.PopRarest()
	require.False(t, ok)
}

func TestRarityMapRemovePeerUpdatesPriority(t *testing.T) {
	m := NewRarityMap(2)
	a, b := fakeHandle{"a"}, fakeHandle{"b"}
	m.AddPeerBitfield(a, func(i int) bool { return true })
	m.AddPeerBitfield(b, func(i int) bool { return i == 0 })

	m.RemovePeer(b)

	// Segment 0 drops from 2 owners to 1, tying segment 1; the lower id
	// wins the tie.
	seg, ok := m.PopRarest()
	require.True(t, ok)
	require.Equal(t, 0, seg.ID)
}

func TestRarityMapMarkSuccessExcludesFromScheduling(t *testing.T) {
	m := NewRarityMap(2)
	a := fakeHandle{"a"}
	m.AddPeerHave(a, 0)
	m.AddPeerHave(a, 1)

	m.MarkSuccess(0)

	seg, ok := m.PopRarest()
	require.True(t, ok)
	require.Equal(t, 1, seg.ID)

	_, ok = m.PopRarest()
	require.False(t, ok)
}

func TestRarityMapRequeueAfterFailure(t *testing.T) {
	m := NewRarityMap(1)
	a := fakeHandle{"a"}
	m.AddPeerHave(a, 0)

	seg, ok := m.PopRarest()
	require.True(t, ok)

	m.Requeue(seg)

	seg2, ok := m.PopRarest()
	require.True(t, ok)
	require.Equal(t, 0, seg2.ID)
}
