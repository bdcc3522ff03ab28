package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

// HTTPClient implements Client over the HTTP(S) tracker protocol: a
// GET with URL-encoded parameters, a bencoded response. A "failure
// reason" in the response always wins over any "peers" field present
// in the same response; that precedence is enforced here, not left to
// the caller.
type HTTPClient struct {
	announceURL string
	httpClient  *http.Client
	log         *slog.Logger
}

// NewHTTPClient constructs an HTTP tracker client bound to a single
// announce URL.
func NewHTTPClient(announceURL string, timeout time.Duration, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		announceURL: announceURL,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
	}
}

func (c *HTTPClient) URL() string { return c.announceURL }

// httpAnnounceResponse models the bencoded tracker response, decoding
// the union-typed "peers" field generically since it may arrive as
// either a compact byte string or a list of {ip, port} dictionaries.
type httpAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	MinInterval   int64       `bencode:"min interval"`
	TrackerID     string      `bencode:"tracker id"`
	Complete      int64       `bencode:"complete"`
	Incomplete    int64       `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

func (c *HTTPClient) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(c.announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing announce url %q: %w", c.announceURL, err)
	}

	params := url.Values{}
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(int(req.Port)))
	params.Set("uploaded", strconv.FormatUint(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatUint(req.Downloaded, 10))
	params.Set("left", strconv.FormatUint(req.Left, 10))
	params.Set("compact", "1")
	if req.Event != EventNone {
		params.Set("event", string(req.Event))
	}
	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "btclient/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tracker: GET %s: %w", c.announceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: %s returned status %d", c.announceURL, resp.StatusCode)
	}

	var decoded httpAnnounceResponse
	if err := bencode.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("tracker: decoding response from %s: %w", c.announceURL, err)
	}

	// Failure reason always wins, regardless of a present peers field.
	if decoded.FailureReason != "" {
		return nil, fmt.Errorf("tracker: %s reported failure: %s", c.announceURL, decoded.FailureReason)
	}

	peers, err := decodeHTTPPeers(decoded.Peers)
	if err != nil {
		return nil, fmt.Errorf("tracker: decoding peers from %s: %w", c.announceURL, err)
	}

	interval := time.Duration(decoded.Interval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	return &AnnounceResponse{
		Interval:    interval,
		MinInterval: time.Duration(decoded.MinInterval) * time.Second,
		TrackerID:   decoded.TrackerID,
		Complete:    int(decoded.Complete),
		Incomplete:  int(decoded.Incomplete),
		Peers:       peers,
	}, nil
}

// decodeHTTPPeers accepts either the compact 6-byte-record form or the
// dictionary-list form of the "peers" field.
func decodeHTTPPeers(raw interface{}) ([]netip.AddrPort, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(v))
	case []byte:
		return decodeCompactPeers(v)
	case []interface{}:
		peers := make([]netip.AddrPort, 0, len(v))
		for _, entry := range v {
			dict, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := dict["ip"].(string)
			addr, err := netip.ParseAddr(ipStr)
			if err != nil {
				continue
			}
			port, err := peerPort(dict["port"])
			if err != nil {
				continue
			}
			peers = append(peers, netip.AddrPortFrom(addr, port))
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unsupported peers encoding %T", raw)
	}
}

func peerPort(v interface{}) (uint16, error) {
	switch p := v.(type) {
	case int64:
		return uint16(p), nil
	case int:
		return uint16(p), nil
	default:
		return 0, fmt.Errorf("unsupported port encoding %T", v)
	}
}

// decodeCompactPeers parses the compact 6-byte-per-peer IPv4 form
// (4 bytes address, 2 bytes port, big-endian).
func decodeCompactPeers(raw []byte) ([]netip.AddrPort, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d is not a multiple of 6", len(raw))
	}
	peers := make([]netip.AddrPort, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		addr := netip.AddrFrom4([4]byte{raw[i], raw[i+1], raw[i+2], raw[i+3]})
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, netip.AddrPortFrom(addr, port))
	}
	return peers, nil
}
