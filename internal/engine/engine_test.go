package engine

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"testing"

	"btclient/internal/config"
	"btclient/internal/metainfo"
	"btclient/internal/piece"
	"btclient/internal/storage"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildTrackerClientsPrefersAnnounceList(t *testing.T) {
	m := &metainfo.Metainfo{
		Announce: "http://fallback.example/announce",
		AnnounceList: [][]string{
			{"http://a.example/announce"},
			{"udp://tracker.example:80/announce"},
		},
	}
	clients, err := buildTrackerClients(m, config.Default(), discardLogger())
	require.NoError(t, err)
	require.Len(t, clients, 2)
	require.Equal(t, "http://a.example/announce", clients[0].URL())
	require.Equal(t, "udp://tracker.example:80/announce", clients[1].URL())
}

func TestBuildTrackerClientsSkipsUnsupportedScheme(t *testing.T) {
	m := &metainfo.Metainfo{
		AnnounceList: [][]string{
			{"wss://weird.example/announce"},
			{"http://good.example/announce"},
		},
	}
	clients, err := buildTrackerClients(m, config.Default(), discardLogger())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "http://good.example/announce", clients[0].URL())
}

func TestBuildTrackerClientsErrorsWhenNoneUsable(t *testing.T) {
	m := &metainfo.Metainfo{}
	_, err := buildTrackerClients(m, config.Default(), discardLogger())
	require.Error(t, err)
}

func TestResumeScanMarksOnlyVerifiedSegments(t *testing.T) {
	root := t.TempDir()
	data0 := []byte("0123456789")
	data1 := []byte("abcdefghij")
	m := &metainfo.Metainfo{Info: metainfo.Info{Name: "file.bin", Length: 20}}
	layout := piece.NewLayout(20, 10)
	hashes := [][20]byte{sha1.Sum(data0), sha1.Sum(data1)}

	w, err := storage.NewWriter(root, m, layout, 4, discardLogger())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteSegment(0, 0, data0))
	// Leave segment 1 as zero-filled (unverified).

	bf, err := resumeScan(w, layout, hashes)
	require.NoError(t, err)
	require.True(t, bf.Has(0))
	require.False(t, bf.Has(1))
}
