// Package inbound accepts incoming peer-wire connections on a single
// listening port and dispatches each one to whichever active torrent
// its handshake's info_hash names, so one process can seed and
// download several torrents behind one port.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"btclient/internal/bitfield"
	"btclient/internal/btcore"
	"btclient/internal/config"
	"btclient/internal/peer"
	"btclient/internal/wire"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentHandshakes bounds how many inbound connections may be
// mid-handshake at once, so a burst of connects can't spawn unbounded
// goroutines ahead of the caps the registry's torrents enforce on
// their own active-peer counts.
const maxConcurrentHandshakes = 64

// TorrentHandle is the subset of a running torrent download the
// listener needs to complete a handshake and hand the resulting
// connection off, kept narrow so it never has to import the download
// package's internals.
type TorrentHandle interface {
	InfoHash() [20]byte
	OurID() [20]byte
	NumSegments() int
	Config() config.Engine
	Observer() peer.Observer
	OurBitfield() bitfield.Bitfield
	RegisterInbound(conn *peer.Conn)
}

// Registry looks up the torrent an inbound handshake's info_hash
// belongs to.
type Registry interface {
	Lookup(infoHash [20]byte) (TorrentHandle, bool)
}

// Listener accepts raw TCP connections on one port, reads the full
// 68-byte peer-wire handshake to learn the info_hash, and hands the
// connection to the matching torrent via Registry, which sends our
// handshake reply.
type Listener struct {
	ln  net.Listener
	reg Registry
	log *slog.Logger
	sem *semaphore.Weighted
}

// Listen binds addr (typically ":<port>") and returns a Listener ready
// to Serve.
func Listen(addr string, reg Registry, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listening on %s: %v", btcore.ErrTransient, addr, err)
	}
	return &Listener{ln: ln, reg: reg, log: log, sem: semaphore.NewWeighted(maxConcurrentHandshakes)}, nil
}

// Addr returns the bound local address, useful when addr was ":0".
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed, handling each one in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("%w: accepting connection: %v", btcore.ErrTransient, err)
		}
		go l.handle(ctx, nc)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) handle(ctx context.Context, nc net.Conn) {
	if !l.sem.TryAcquire(1) {
		l.log.Debug("dropping inbound connection, too many concurrent handshakes", "remote", nc.RemoteAddr())
		nc.Close()
		return
	}
	defer l.sem.Release(1)

	nc.SetReadDeadline(time.Now().Add(5 * time.Second))

	prefix := make([]byte, wire.HandshakeLen)
	if _, err := readFull(nc, prefix); err != nil {
		l.log.Debug("inbound handshake read failed", "remote", nc.RemoteAddr(), "err", err)
		nc.Close()
		return
	}

	hs, err := wire.DecodeHandshake(prefix)
	if err != nil {
		l.log.Debug("inbound handshake malformed", "remote", nc.RemoteAddr(), "err", err)
		nc.Close()
		return
	}

	handle, ok := l.reg.Lookup(hs.InfoHash)
	if !ok {
		l.log.Debug("inbound handshake for unknown torrent", "remote", nc.RemoteAddr(), "info_hash", fmt.Sprintf("%x", hs.InfoHash))
		nc.Close()
		return
	}

	nc.SetReadDeadline(time.Time{})
	conn, err := peer.Accept(ctx, nc, hs.PeerID, handle.InfoHash(), handle.OurID(), handle.NumSegments(), handle.OurBitfield(), handle.Observer(), handle.Config(), l.log)
	if err != nil {
		l.log.Debug("inbound handshake reply failed", "remote", nc.RemoteAddr(), "err", err)
		nc.Close()
		return
	}

	handle.RegisterInbound(conn)
}

func readFull(nc net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
