package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"btclient/internal/bitfield"
	"btclient/internal/config"
	"btclient/internal/logging"
	"btclient/internal/wire"

	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	bitfields []bitfield.Bitfield
	haves     []int
	chokes    []bool
	interests []bool
	requests  [][3]int64
	pieces    [][2]int64
	closedErr error
	closed    bool
	closedCh  chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closedCh: make(chan struct{})}
}

func (o *recordingObserver) OnBitfieldReceived(c *Conn, bf bitfield.Bitfield) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bitfields = append(o.bitfields, bf)
}
func (o *recordingObserver) OnHaveObserved(c *Conn, index int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.haves = append(o.haves, index)
}
func (o *recordingObserver) OnChokeChanged(c *Conn, choked bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chokes = append(o.chokes, choked)
}
func (o *recordingObserver) OnInterestedChanged(c *Conn, interested bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interests = append(o.interests, interested)
}
func (o *recordingObserver) OnBlockRequested(c *Conn, index int, begin, length int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, [3]int64{int64(index), begin, length})
}
func (o *recordingObserver) OnBlockReceived(c *Conn, index int, begin int64, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pieces = append(o.pieces, [2]int64{int64(index), begin})
}
func (o *recordingObserver) OnBlockCancelled(c *Conn, index int, begin, length int64) {}
func (o *recordingObserver) OnClosed(c *Conn, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.closedErr = err
	close(o.closedCh)
}

func (o *recordingObserver) snapshotHaves() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.haves...)
}

func (o *recordingObserver) snapshotChokes() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.chokes...)
}

// acceptOnePeer accepts one connection on ln, reads its full handshake
// (including the peer_id), and hands the connection to Accept.
func acceptOnePeer(t *testing.T, ln net.Listener, infoHash, serverID [20]byte, numSegments int, obs Observer, cfg config.Engine) chan *Conn {
	t.Helper()
	out := make(chan *Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		buf := make([]byte, wire.HandshakeLen)
		total := 0
		for total < len(buf) {
			n, err := nc.Read(buf[total:])
			total += n
			if err != nil {
				close(out)
				return
			}
		}
		hs, err := wire.DecodeHandshake(buf)
		if err != nil {
			close(out)
			return
		}
		c, err := Accept(context.Background(), nc, hs.PeerID, infoHash, serverID, numSegments, nil, obs, cfg, logging.For("server"))
		if err != nil {
			close(out)
			return
		}
		out <- c
	}()
	return out
}

func TestDialAndAcceptHandshakeExchangesPeerIDs(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{1, 2, 3}
	clientID := [20]byte{9, 9, 9}
	serverID := [20]byte{8, 8, 8}

	cfg := config.Default()
	cfg.DialTimeout = 2 * time.Second

	clientObs := newRecordingObserver()
	serverObs := newRecordingObserver()

	serverConnCh := acceptOnePeer(t, ln, infoHash, serverID, 8, serverObs, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := Dial(ctx, ln.Addr().String(), infoHash, clientID, 8, nil, clientObs, cfg, logging.For("client"))
	require.NoError(t, err)
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}
	require.NotNil(t, serverConn)
	defer serverConn.Close()

	require.Equal(t, string(serverID[:]), clientConn.ID())
	require.Equal(t, string(clientID[:]), serverConn.ID())
}

func TestDialRejectsInfoHashMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{1, 2, 3}
	wrongHash := [20]byte{9, 9, 9}
	clientID := [20]byte{1}
	serverID := [20]byte{2}

	cfg := config.Default()
	cfg.DialTimeout = 2 * time.Second

	serverConnCh := acceptOnePeer(t, ln, wrongHash, serverID, 8, newRecordingObserver(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Dial(ctx, ln.Addr().String(), infoHash, clientID, 8, nil, newRecordingObserver(), cfg, logging.For("client"))
	require.Error(t, err)

	select {
	case <-serverConnCh:
	case <-time.After(time.Second):
	}
}

func TestHaveAndChokeUpdatesObserverAndState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{1, 2, 3}
	clientID := [20]byte{9}
	serverID := [20]byte{8}
	cfg := config.Default()
	cfg.DialTimeout = 2 * time.Second

	clientObs := newRecordingObserver()
	serverObs := newRecordingObserver()
	serverConnCh := acceptOnePeer(t, ln, infoHash, serverID, 4, serverObs, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientConn, err := Dial(ctx, ln.Addr().String(), infoHash, clientID, 4, nil, clientObs, cfg, logging.For("client"))
	require.NoError(t, err)
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no server conn")
	}
	defer serverConn.Close()

	require.NoError(t, serverConn.Send(wire.Message{Kind: wire.Have, Index: 2}))
	require.NoError(t, serverConn.SetChoking(false))

	require.Eventually(t, func() bool {
		return len(clientObs.snapshotHaves()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 2, clientObs.snapshotHaves()[0])
	require.True(t, clientConn.Has(2))

	require.Eventually(t, func() bool {
		return len(clientObs.snapshotChokes()) == 1
	}, time.Second, 10*time.Millisecond)
	require.False(t, clientConn.PeerChoking())
}

func TestSetInterestedIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	infoHash := [20]byte{1}
	clientID := [20]byte{2}
	serverID := [20]byte{3}
	cfg := config.Default()
	cfg.DialTimeout = 2 * time.Second

	serverObs := newRecordingObserver()
	serverConnCh := acceptOnePeer(t, ln, infoHash, serverID, 4, serverObs, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientConn, err := Dial(ctx, ln.Addr().String(), infoHash, clientID, 4, nil, newRecordingObserver(), cfg, logging.For("client"))
	require.NoError(t, err)
	defer clientConn.Close()

	var serverConn *Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(time.Second):
		t.Fatal("no server conn")
	}
	defer serverConn.Close()

	require.NoError(t, clientConn.SetInterested(true))
	require.NoError(t, clientConn.SetInterested(true))

	require.Eventually(t, func() bool {
		return len(serverObs.snapshotInterests()) >= 1
	}, time.Second, 10*time.Millisecond)
	require.Len(t, serverObs.snapshotInterests(), 1)
	require.True(t, clientConn.AmInterested())
}

func (o *recordingObserver) snapshotInterests() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.interests...)
}
