package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"btclient/internal/logging"

	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers exactly one connect + one announce exchange
// with a single compact peer record, mirroring BEP-15.
func fakeUDPTracker(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for i := 0; i < 2; i++ {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			txID := buf[12:16]

			if action == udpActionConnect {
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], udpActionConnect)
				copy(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xdeadbeef)
				conn.WriteToUDP(resp, addr)
				continue
			}

			if action == udpActionAnnounce && n >= 98 {
				txID2 := buf[12:16]
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
				copy(resp[4:8], txID2)
				binary.BigEndian.PutUint32(resp[8:12], 900) // interval
				binary.BigEndian.PutUint32(resp[12:16], 2)  // leechers
				binary.BigEndian.PutUint32(resp[16:20], 3)  // seeders
				resp[20], resp[21], resp[22], resp[23] = 10, 0, 0, 1
				binary.BigEndian.PutUint16(resp[24:26], 51413)
				conn.WriteToUDP(resp, addr)
			}
		}
	}()

	return conn
}

func TestUDPClientConnectAndAnnounce(t *testing.T) {
	srv := fakeUDPTracker(t)
	defer srv.Close()

	addr := srv.LocalAddr().String()
	c := NewUDPClient("udp://"+addr+"/announce", addr, 100*time.Millisecond, 3, logging.For("test"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Announce(ctx, AnnounceRequest{Port: 6881, Event: EventStarted})
	require.NoError(t, err)
	require.Equal(t, 900*time.Second, resp.Interval)
	require.Equal(t, 3, resp.Complete)
	require.Equal(t, 2, resp.Incomplete)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "10.0.0.1", resp.Peers[0].Addr().String())
	require.Equal(t, uint16(51413), resp.Peers[0].Port())
}
