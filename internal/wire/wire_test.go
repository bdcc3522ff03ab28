package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	buf, err := Encode(m)
	require.NoError(t, err)
	got, n, ok, err := TryDecode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(buf), n)
	return got
}

func TestRoundTripEveryKind(t *testing.T) {
	cases := []Message{
		{Kind: KeepAlive},
		{Kind: Choke},
		{Kind: Unchoke},
		{Kind: Interested},
		{Kind: NotInterested},
		{Kind: Have, Index: 42},
		{Kind: Bitfield, BitfieldBits: []byte{0xff, 0x00, 0xaa}},
		{Kind: Request, Index: 1, Begin: 16384, Length: 16384},
		{Kind: Piece, Index: 1, Begin: 0, Block: []byte("abcdef")},
		{Kind: Cancel, Index: 1, Begin: 16384, Length: 16384},
		{Kind: Unknown, UnknownID: 200, UnknownPayload: []byte{1, 2, 3}},
	}

	for _, c := range cases {
		t.Run(c.Kind.String(), func(t *testing.T) {
			got := roundTrip(t, c)
			require.Equal(t, c.Kind, got.Kind)
			require.Equal(t, c.Index, got.Index)
			require.Equal(t, c.Begin, got.Begin)
			require.Equal(t, c.Length, got.Length)
			require.Equal(t, c.Block, got.Block)
			require.Equal(t, c.BitfieldBits, got.BitfieldBits)
			if c.Kind == Unknown {
				require.Equal(t, c.UnknownID, got.UnknownID)
				require.Equal(t, c.UnknownPayload, got.UnknownPayload)
			}
		})
	}
}

func TestTryDecodeNeedsMoreData(t *testing.T) {
	full, err := Encode(Message{Kind: Have, Index: 7})
	require.NoError(t, err)

	for i := 0; i < len(full); i++ {
		_, _, ok, err := TryDecode(full[:i])
		require.NoError(t, err)
		require.False(t, ok, "should not decode a partial frame of %d/%d bytes", i, len(full))
	}

	_, n, ok, err := TryDecode(full)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(full), n)
}

func TestTryDecodeLeavesTrailingBytesUntouched(t *testing.T) {
	one, err := Encode(Message{Kind: Choke})
	require.NoError(t, err)
	two, err := Encode(Message{Kind: Unchoke})
	require.NoError(t, err)

	buf := append(append([]byte{}, one...), two...)

	m1, n1, ok, err := TryDecode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Choke, m1.Kind)

	m2, n2, ok, err := TryDecode(buf[n1:])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Unchoke, m2.Kind)
	require.Equal(t, len(two), n2)
}

func TestRequestRejectsOversizedLength(t *testing.T) {
	_, err := Encode(Message{Kind: Request, Length: MaxBlockLength + 1})
	require.Error(t, err)
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{}
	for i := range h.InfoHash {
		h.InfoHash[i] = byte(i)
	}
	for i := range h.PeerID {
		h.PeerID[i] = byte(20 - i)
	}

	buf := EncodeHandshake(h)
	require.Len(t, buf, HandshakeLen)
	require.Equal(t, byte(19), buf[0])
	require.Equal(t, Protocol, string(buf[1:20]))

	got, err := DecodeHandshake(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHandshakeRejectsBadMagic(t *testing.T) {
	h := Handshake{}
	buf := EncodeHandshake(h)
	buf[0] = 18
	_, err := DecodeHandshake(buf)
	require.Error(t, err)

	buf = EncodeHandshake(h)
	buf[5] = 'X'
	_, err = DecodeHandshake(buf)
	require.Error(t, err)
}

func TestHandshakeRejectsWrongLength(t *testing.T) {
	_, err := DecodeHandshake(make([]byte, HandshakeLen-1))
	require.Error(t, err)
}

func TestUnknownIDIgnoredNotFatal(t *testing.T) {
	frame, err := Encode(Message{Kind: Unknown, UnknownID: 99, UnknownPayload: []byte("xyz")})
	require.NoError(t, err)

	msg, n, ok, err := TryDecode(frame)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Unknown, msg.Kind)
	require.Equal(t, byte(99), msg.UnknownID)
	require.Equal(t, len(frame), n)
}
