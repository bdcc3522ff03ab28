// Package peer manages one connection to a remote BitTorrent peer:
// dialing or accepting, the handshake exchange, the choke/interest
// state machine, and the read/write pumps that turn wire.Message
// traffic into Observer callbacks.
package peer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"btclient/internal/bitfield"
	"btclient/internal/btcore"
	"btclient/internal/config"
	"btclient/internal/wire"
)

// Observer receives events from a Conn. Every method except OnClosed
// is called from the Conn's read pump goroutine; OnClosed is called
// once, from whichever goroutine closes the Conn (the run loop, the
// unchoke watchdog timer, or a Close caller). Calls also happen
// concurrently across distinct Conns — implementations that touch
// shared state must synchronize internally.
type Observer interface {
	OnBitfieldReceived(c *Conn, bf bitfield.Bitfield)
	OnHaveObserved(c *Conn, index int)
	OnChokeChanged(c *Conn, choked bool)
	OnInterestedChanged(c *Conn, interested bool)
	OnBlockRequested(c *Conn, index int, begin int64, length int64)
	OnBlockReceived(c *Conn, index int, begin int64, data []byte)
	OnBlockCancelled(c *Conn, index int, begin int64, length int64)
	OnClosed(c *Conn, err error)
}

// Conn is one live peer-wire connection, either dialed outbound or
// accepted from the inbound listener. All exported methods are safe
// for concurrent use.
type Conn struct {
	nc         net.Conn
	remoteID   [20]byte
	remoteAddr string

	obs Observer
	cfg config.Engine
	log *slog.Logger

	numSegments int

	mu             sync.Mutex
	peerBitfield   bitfield.Bitfield
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterest   bool
	closed         bool
	gotFirstMsg    bool
	lastUnchokeAt  time.Time
	lastActivity   time.Time
	unchokeWatcher *time.Timer

	writeMu sync.Mutex

	sendCh chan wire.Message
	done   chan struct{}
}

// ID returns the remote peer's 20-byte peer id as a stable string key,
// satisfying piece.PeerHandle.
func (c *Conn) ID() string {
	return string(c.remoteID[:])
}

// RemoteAddr returns the "host:port" of the remote peer.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Dial opens a TCP connection to addr, performs the outbound
// handshake, sends our current bitfield, and returns a running Conn
// whose read/write pumps are already active in their own goroutine.
func Dial(ctx context.Context, addr string, infoHash, ourPeerID [20]byte, numSegments int, ourBitfield bitfield.Bitfield, obs Observer, cfg config.Engine, log *slog.Logger) (*Conn, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", btcore.ErrTransient, addr, err)
	}

	c := newConn(nc, addr, numSegments, obs, cfg, log)

	if err := c.handshakeOutbound(infoHash, ourPeerID); err != nil {
		nc.Close()
		return nil, err
	}

	c.sendInitialBitfield(ourBitfield)
	go c.run(ctx)
	return c, nil
}

// Accept completes the inbound side of a handshake on an
// already-accepted net.Conn. The listener has already read and
// validated the full 68-byte handshake, including peer_id, handing it
// to Accept as remotePeerID; Accept reads nothing further, it only
// writes our own handshake reply and then sends our current bitfield.
func Accept(ctx context.Context, nc net.Conn, remotePeerID [20]byte, infoHash, ourPeerID [20]byte, numSegments int, ourBitfield bitfield.Bitfield, obs Observer, cfg config.Engine, log *slog.Logger) (*Conn, error) {
	c := newConn(nc, nc.RemoteAddr().String(), numSegments, obs, cfg, log)
	c.remoteID = remotePeerID

	reply := wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: ourPeerID})
	nc.SetWriteDeadline(time.Now().Add(cfg.InboundHandshakeReadTO))
	if _, err := nc.Write(reply); err != nil {
		return nil, fmt.Errorf("%w: writing handshake reply to %s: %v", btcore.ErrTransient, c.remoteAddr, err)
	}

	c.sendInitialBitfield(ourBitfield)
	go c.run(ctx)
	return c, nil
}

// sendInitialBitfield queues our current bitfield as the very first
// message a peer will see once its write pump starts, even if we
// possess nothing yet.
func (c *Conn) sendInitialBitfield(bf bitfield.Bitfield) {
	if bf == nil {
		bf = bitfield.New(c.numSegments)
	}
	c.sendCh <- wire.Message{Kind: wire.Bitfield, BitfieldBits: []byte(bf)}
}

func newConn(nc net.Conn, addr string, numSegments int, obs Observer, cfg config.Engine, log *slog.Logger) *Conn {
	now := time.Now()
	return &Conn{
		nc:            nc,
		remoteAddr:    addr,
		obs:           obs,
		cfg:           cfg,
		log:           log.With("peer", addr),
		numSegments:   numSegments,
		amChoking:     true,
		peerChoking:   true,
		lastActivity:  now,
		lastUnchokeAt: now,
		sendCh:        make(chan wire.Message, 64),
		done:          make(chan struct{}),
	}
}

func (c *Conn) handshakeOutbound(infoHash, ourPeerID [20]byte) error {
	c.nc.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	defer c.nc.SetDeadline(time.Time{})

	out := wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: ourPeerID})
	if _, err := c.nc.Write(out); err != nil {
		return fmt.Errorf("%w: writing handshake to %s: %v", btcore.ErrTransient, c.remoteAddr, err)
	}

	buf := make([]byte, wire.HandshakeLen)
	if _, err := readFull(c.nc, buf); err != nil {
		return fmt.Errorf("%w: reading handshake from %s: %v", btcore.ErrTransient, c.remoteAddr, err)
	}

	hs, err := wire.DecodeHandshake(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", btcore.ErrProtocolViolation, err)
	}
	if hs.InfoHash != infoHash {
		return fmt.Errorf("%w: info_hash mismatch from %s", btcore.ErrProtocolViolation, c.remoteAddr)
	}
	c.remoteID = hs.PeerID
	return nil
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// run drives the connection's read and write pumps until ctx is
// cancelled, the peer closes the connection, or a protocol violation
// is detected. Dial and Accept start it in its own goroutine.
func (c *Conn) run(ctx context.Context) {
	errCh := make(chan error, 2)

	go c.writePump(ctx, errCh)
	go c.readPump(ctx, errCh)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		c.closeWithErr(err)
		return
	}
	c.closeWithErr(ctx.Err())
}

func (c *Conn) writePump(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.writeMessage(msg); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		case <-ticker.C:
			if err := c.writeMessage(wire.Message{Kind: wire.KeepAlive}); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (c *Conn) writeMessage(msg wire.Message) error {
	buf, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: encoding message to %s: %v", btcore.ErrProtocolViolation, c.remoteAddr, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := c.nc.Write(buf); err != nil {
		return fmt.Errorf("%w: writing to %s: %v", btcore.ErrTransient, c.remoteAddr, err)
	}
	return nil
}

func (c *Conn) readPump(ctx context.Context, errCh chan<- error) {
	r := bufio.NewReaderSize(c.nc, 32*1024)
	var carry []byte

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		c.nc.SetReadDeadline(time.Now().Add(2 * time.Minute))

		msg, n, ok, err := wire.TryDecode(carry)
		if err != nil {
			select {
			case errCh <- fmt.Errorf("%w: %v", btcore.ErrProtocolViolation, err):
			default:
			}
			return
		}
		if ok {
			carry = carry[n:]
			c.handleMessage(msg)
			continue
		}

		chunk := make([]byte, 16*1024)
		rn, rerr := r.Read(chunk)
		if rn > 0 {
			carry = append(carry, chunk[:rn]...)
			c.mu.Lock()
			c.lastActivity = time.Now()
			c.mu.Unlock()
		}
		if rerr != nil {
			select {
			case errCh <- fmt.Errorf("%w: reading from %s: %v", btcore.ErrTransient, c.remoteAddr, rerr):
			default:
			}
			return
		}
	}
}

func (c *Conn) handleMessage(msg wire.Message) {
	c.mu.Lock()
	isFirst := !c.gotFirstMsg
	c.gotFirstMsg = true
	c.mu.Unlock()

	switch msg.Kind {
	case wire.KeepAlive:
		return
	case wire.Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
		c.obs.OnChokeChanged(c, true)
	case wire.Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.lastUnchokeAt = time.Now()
		c.cancelUnchokeWatcherLocked()
		c.mu.Unlock()
		c.obs.OnChokeChanged(c, false)
	case wire.Interested:
		c.mu.Lock()
		c.peerInterest = true
		wasChoking := c.amChoking
		c.mu.Unlock()
		c.obs.OnInterestedChanged(c, true)
		if wasChoking {
			// Simple always-unchoke policy: honor any interested peer.
			c.SetChoking(false)
		}
	case wire.NotInterested:
		c.mu.Lock()
		c.peerInterest = false
		c.mu.Unlock()
		c.obs.OnInterestedChanged(c, false)
	case wire.Have:
		c.mu.Lock()
		if c.peerBitfield == nil {
			c.peerBitfield = bitfield.New(c.numSegments)
		}
		c.peerBitfield.Set(int(msg.Index))
		c.mu.Unlock()
		c.obs.OnHaveObserved(c, int(msg.Index))
	case wire.Bitfield:
		if !isFirst {
			c.log.Debug("ignoring bitfield received after the first post-handshake message")
			return
		}
		bf := bitfield.Bitfield(msg.BitfieldBits)
		c.mu.Lock()
		c.peerBitfield = bf
		c.mu.Unlock()
		c.obs.OnBitfieldReceived(c, bf.Clone())
	case wire.Request:
		c.mu.Lock()
		allowed := !c.amChoking && c.peerInterest
		c.mu.Unlock()
		if !allowed {
			return
		}
		c.obs.OnBlockRequested(c, int(msg.Index), int64(msg.Begin), int64(msg.Length))
	case wire.Piece:
		c.obs.OnBlockReceived(c, int(msg.Index), int64(msg.Begin), msg.Block)
	case wire.Cancel:
		c.obs.OnBlockCancelled(c, int(msg.Index), int64(msg.Begin), int64(msg.Length))
	case wire.Unknown:
		c.log.Debug("ignoring unrecognized message", "id", msg.UnknownID, "len", len(msg.UnknownPayload))
	}
}

// cancelUnchokeWatcherLocked stops a pending unchoke watchdog timer.
// Callers must hold c.mu.
func (c *Conn) cancelUnchokeWatcherLocked() {
	if c.unchokeWatcher != nil {
		c.unchokeWatcher.Stop()
		c.unchokeWatcher = nil
	}
}

func (c *Conn) closeWithErr(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelUnchokeWatcherLocked()
	c.mu.Unlock()

	close(c.done)
	c.nc.Close()
	c.obs.OnClosed(c, err)
}

// Send enqueues a message for the write pump. It never blocks the
// caller on network I/O; if the send queue is full the message is
// dropped and an error returned, which the caller should treat as
// grounds to evict this peer.
func (c *Conn) Send(msg wire.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("%w: send queue full for %s", btcore.ErrResourceExhausted, c.remoteAddr)
	}
}

// Close tears down the connection from the caller's side.
func (c *Conn) Close() error {
	c.closeWithErr(nil)
	return nil
}

// Alive reports whether the connection has not yet been closed.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Has reports whether the peer's last-known bitfield claims segment i.
func (c *Conn) Has(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerBitfield == nil {
		return false
	}
	return c.peerBitfield.Has(i)
}

// Bitfield returns a snapshot of the peer's last-known bitfield.
func (c *Conn) Bitfield() bitfield.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerBitfield == nil {
		return nil
	}
	return c.peerBitfield.Clone()
}

// PeerChoking reports whether the remote peer is currently choking us.
func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// PeerInterested reports whether the remote peer has declared interest.
func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterest
}

// SetInterested sends an interested/not_interested message if it
// differs from our last-declared interest state, and records the new
// state. Becoming interested arms the unchoke watchdog: if the remote
// hasn't unchoked us within cfg.UnchokeWatchdog, the connection is
// closed as unlikely to be useful.
func (c *Conn) SetInterested(interested bool) error {
	c.mu.Lock()
	if c.amInterested == interested {
		c.mu.Unlock()
		return nil
	}
	c.amInterested = interested
	if interested && c.peerChoking {
		c.cancelUnchokeWatcherLocked()
		c.unchokeWatcher = time.AfterFunc(c.cfg.UnchokeWatchdog, c.onUnchokeWatchdogFired)
	} else if !interested {
		c.cancelUnchokeWatcherLocked()
	}
	c.mu.Unlock()

	kind := wire.NotInterested
	if interested {
		kind = wire.Interested
	}
	return c.Send(wire.Message{Kind: kind})
}

// onUnchokeWatchdogFired closes the connection if the remote is still
// choking us once the watchdog fires; it is a no-op if we were
// unchoked (or stopped being interested) in the meantime.
func (c *Conn) onUnchokeWatchdogFired() {
	c.mu.Lock()
	stillWaiting := c.amInterested && c.peerChoking
	c.mu.Unlock()
	if !stillWaiting {
		return
	}
	c.log.Debug("closing connection: unchoke watchdog expired")
	c.closeWithErr(fmt.Errorf("%w: %s never unchoked us", btcore.ErrTransient, c.remoteAddr))
}

// SetChoking sends a choke/unchoke message if it differs from our
// last-declared choke state, and records the new state.
func (c *Conn) SetChoking(choking bool) error {
	c.mu.Lock()
	if c.amChoking == choking {
		c.mu.Unlock()
		return nil
	}
	c.amChoking = choking
	c.mu.Unlock()

	kind := wire.Unchoke
	if choking {
		kind = wire.Choke
	}
	return c.Send(wire.Message{Kind: kind})
}

// AmInterested reports our last-declared interest state.
func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// AmChoking reports our last-declared choke state.
func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

// SinceUnchoke reports how long it has been since the peer last sent
// unchoke (or since connect, if it never has). The unchoke watchdog
// itself runs on a timer armed by SetInterested and does not read it.
func (c *Conn) SinceUnchoke() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUnchokeAt)
}

