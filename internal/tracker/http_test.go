package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"btclient/internal/logging"

	"github.com/stretchr/testify/require"
)

func TestHTTPClientCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// d8:completei1e10:incompletei2e8:intervali900e5:peers6:\x01\x02\x03\x04\x1a\xe1e
		fmt.Fprint(w, "d8:completei1e10:incompletei2e8:intervali900e5:peers6:\x01\x02\x03\x04\x1a\xe1e")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second, logging.For("test"))
	resp, err := c.Announce(context.Background(), AnnounceRequest{Port: 6881})
	require.NoError(t, err)
	require.Equal(t, 900*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "1.2.3.4", resp.Peers[0].Addr().String())
	require.Equal(t, uint16(0x1ae1), resp.Peers[0].Port())
}

func TestHTTPClientFailureReasonWinsOverPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason11:no such info5:peers6:\x01\x02\x03\x04\x1a\xe1e")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second, logging.For("test"))
	_, err := c.Announce(context.Background(), AnnounceRequest{Port: 6881})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no such info")
}

func TestHTTPClientDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali60e5:peersld2:ip9:127.0.0.14:porti6881eeee")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second, logging.For("test"))
	resp, err := c.Announce(context.Background(), AnnounceRequest{Port: 6881})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].Addr().String())
	require.Equal(t, uint16(6881), resp.Peers[0].Port())
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second, logging.For("test"))
	_, err := c.Announce(context.Background(), AnnounceRequest{Port: 6881})
	require.Error(t, err)
}
