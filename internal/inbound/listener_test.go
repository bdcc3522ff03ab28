package inbound

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"btclient/internal/bitfield"
	"btclient/internal/config"
	"btclient/internal/peer"
	"btclient/internal/wire"

	"github.com/stretchr/testify/require"
)

type nullObserver struct{}

func (nullObserver) OnBitfieldReceived(*peer.Conn, bitfield.Bitfield)     {}
func (nullObserver) OnHaveObserved(*peer.Conn, int)                      {}
func (nullObserver) OnChokeChanged(*peer.Conn, bool)                     {}
func (nullObserver) OnInterestedChanged(*peer.Conn, bool)                {}
func (nullObserver) OnBlockRequested(*peer.Conn, int, int64, int64)      {}
func (nullObserver) OnBlockReceived(*peer.Conn, int, int64, []byte)      {}
func (nullObserver) OnBlockCancelled(*peer.Conn, int, int64, int64)      {}
func (nullObserver) OnClosed(*peer.Conn, error)                          {}

type fakeHandle struct {
	infoHash [20]byte
	ourID    [20]byte
	accepted chan *peer.Conn
}

func (h *fakeHandle) InfoHash() [20]byte        { return h.infoHash }
func (h *fakeHandle) OurID() [20]byte           { return h.ourID }
func (h *fakeHandle) NumSegments() int          { return 4 }
func (h *fakeHandle) Config() config.Engine     { return config.Default() }
func (h *fakeHandle) Observer() peer.Observer   { return nullObserver{} }
func (h *fakeHandle) OurBitfield() bitfield.Bitfield { return bitfield.New(4) }
func (h *fakeHandle) RegisterInbound(c *peer.Conn) { h.accepted <- c }

type fakeRegistry struct {
	handles map[[20]byte]TorrentHandle
}

func (r *fakeRegistry) Lookup(infoHash [20]byte) (TorrentHandle, bool) {
	h, ok := r.handles[infoHash]
	return h, ok
}

func TestListenerDispatchesToRegisteredTorrent(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	ourID := [20]byte{9, 9, 9}
	handle := &fakeHandle{infoHash: infoHash, ourID: ourID, accepted: make(chan *peer.Conn, 1)}
	reg := &fakeRegistry{handles: map[[20]byte]TorrentHandle{infoHash: handle}}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := Listen("127.0.0.1:0", reg, log)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	remotePeerID := [20]byte{5, 5, 5}
	out := wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: remotePeerID})
	_, err = nc.Write(out)
	require.NoError(t, err)

	reply := make([]byte, wire.HandshakeLen)
	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(nc, reply)
	require.NoError(t, err)

	hs, err := wire.DecodeHandshake(reply)
	require.NoError(t, err)
	require.Equal(t, infoHash, hs.InfoHash)
	require.Equal(t, ourID, hs.PeerID)

	select {
	case conn := <-handle.accepted:
		require.Equal(t, string(remotePeerID[:]), conn.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound connection to be registered")
	}
}

func TestListenerClosesConnectionForUnknownInfoHash(t *testing.T) {
	reg := &fakeRegistry{handles: map[[20]byte]TorrentHandle{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := Listen("127.0.0.1:0", reg, log)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	out := wire.EncodeHandshake(wire.Handshake{InfoHash: [20]byte{0xaa}, PeerID: [20]byte{0xbb}})
	_, err = nc.Write(out)
	require.NoError(t, err)

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = nc.Read(buf)
	require.Equal(t, io.EOF, err)
}
