package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

const (
	udpProtocolMagic uint64 = 0x41727101980
	udpActionConnect uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

// UDPClient implements Client over the BEP-15 UDP tracker protocol: a
// 16-byte connect exchange followed by a 98-byte announce exchange,
// with exponential retry backoff between attempts.
type UDPClient struct {
	announceURL string
	addr        string
	baseBackoff time.Duration
	maxAttempts int
	log         *slog.Logger
}

// NewUDPClient constructs a UDP tracker client. addr is the resolved
// "host:port" to dial (the announceURL's host component).
func NewUDPClient(announceURL, addr string, baseBackoff time.Duration, maxAttempts int, log *slog.Logger) *UDPClient {
	return &UDPClient{
		announceURL: announceURL,
		addr:        addr,
		baseBackoff: baseBackoff,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

func (c *UDPClient) URL() string { return c.announceURL }

func (c *UDPClient) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolving udp address %q: %w", c.addr, err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dialing udp %q: %w", c.addr, err)
	}
	defer conn.Close()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		resp, err := c.tryOnce(ctx, conn, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.log.Warn("udp tracker attempt failed", "url", c.announceURL, "attempt", attempt+1, "err", err)

		backoff := c.baseBackoff * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("tracker: %s gave up after %d attempts: %w", c.announceURL, c.maxAttempts, lastErr)
}

func (c *UDPClient) tryOnce(ctx context.Context, conn *net.UDPConn, req AnnounceRequest) (*AnnounceResponse, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	conn.SetDeadline(deadline)

	connectionID, err := c.connect(conn)
	if err != nil {
		return nil, err
	}
	return c.announce(conn, connectionID, req)
}

func (c *UDPClient) connect(conn *net.UDPConn) (uint64, error) {
	transactionID := rand.Uint32()

	pkt := make([]byte, 16)
	binary.BigEndian.PutUint64(pkt[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(pkt[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(pkt[12:16], transactionID)

	if _, err := conn.Write(pkt); err != nil {
		return 0, fmt.Errorf("sending connect: %w", err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("reading connect response: %w", err)
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action != udpActionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return 0, fmt.Errorf("connect transaction id mismatch")
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (c *UDPClient) announce(conn *net.UDPConn, connectionID uint64, req AnnounceRequest) (*AnnounceResponse, error) {
	transactionID := rand.Uint32()

	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt[0:8], connectionID)
	binary.BigEndian.PutUint32(pkt[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], transactionID)
	copy(pkt[16:36], req.InfoHash[:])
	copy(pkt[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:64], req.Downloaded)
	binary.BigEndian.PutUint64(pkt[64:72], req.Left)
	binary.BigEndian.PutUint64(pkt[72:80], req.Uploaded)
	binary.BigEndian.PutUint32(pkt[80:84], udpEventCode(req.Event))
	// pkt[84:88] IP address, 0 = default.
	binary.BigEndian.PutUint32(pkt[88:92], rand.Uint32()) // key
	binary.BigEndian.PutUint32(pkt[92:96], uint32(int32(-1))) // num_want: -1 (default)
	binary.BigEndian.PutUint16(pkt[96:98], req.Port)

	if _, err := conn.Write(pkt); err != nil {
		return nil, fmt.Errorf("sending announce: %w", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("reading announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == udpActionError {
		return nil, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, fmt.Errorf("announce transaction id mismatch")
	}

	interval := time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	peers, err := decodeCompactPeers(resp[20:n])
	if err != nil {
		return nil, fmt.Errorf("decoding peers: %w", err)
	}

	return &AnnounceResponse{
		Interval:   interval,
		Complete:   int(seeders),
		Incomplete: int(leechers),
		Peers:      peers,
	}, nil
}

func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}
