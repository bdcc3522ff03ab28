// Package wire implements the BitTorrent peer-wire codec: the fixed
// 68-byte handshake and the length-prefixed message kinds exchanged
// once it completes. It is a typed, round-trip-safe codec that
// distinguishes "keep-alive" and "unknown message id" as first-class
// values instead of nil/panic paths.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Protocol is the fixed 19-byte ASCII protocol name every handshake
// must carry.
const Protocol = "BitTorrent protocol"

// HandshakeLen is the total byte length of a handshake frame.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// MaxBlockLength is the largest payload a request/cancel may name.
const MaxBlockLength = 1 << 14

// Kind enumerates the message kinds of the peer-wire protocol, plus
// two values the wire protocol itself doesn't assign an id to:
// KeepAlive (zero-length frame) and Unknown (a well-framed message
// whose id this codec does not recognize).
type Kind byte

const (
	KeepAlive Kind = iota
	Choke
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Unknown
)

func (k Kind) String() string {
	switch k {
	case KeepAlive:
		return "keep-alive"
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// wireID maps a Kind to its on-the-wire message id. KeepAlive and
// Unknown have no fixed id of their own.
var wireID = map[Kind]byte{
	Choke:         0,
	Unchoke:       1,
	Interested:    2,
	NotInterested: 3,
	Have:          4,
	Bitfield:      5,
	Request:       6,
	Piece:         7,
	Cancel:        8,
}

var idToKind = map[byte]Kind{
	0: Choke,
	1: Unchoke,
	2: Interested,
	3: NotInterested,
	4: Have,
	5: Bitfield,
	6: Request,
	7: Piece,
	8: Cancel,
}

// Message is the decoded form of one peer-wire frame. Only the fields
// relevant to Kind are populated; it is a tagged union expressed as a
// flat struct for ease of construction at call sites.
type Message struct {
	Kind Kind

	// Have: Index. Request/Cancel: Index, Begin, Length. Piece: Index,
	// Begin, Block.
	Index  uint32
	Begin  uint32
	Length uint32
	Block  []byte

	// Bitfield payload.
	BitfieldBits []byte

	// Unknown: the raw id byte and payload, preserved verbatim so a
	// caller that only logs-and-discards can still report what arrived.
	UnknownID      byte
	UnknownPayload []byte
}

// Handshake is the fixed-width frame exchanged before any
// length-prefixed message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake lays out the 68-byte handshake frame: pstrlen(19) +
// "BitTorrent protocol" + 8 reserved zero bytes + info_hash + peer_id.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(Protocol))
	copy(buf[1:20], Protocol)
	// buf[20:28] reserved, left zero.
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake parses a 68-byte handshake frame, failing if the
// pstrlen byte isn't 19 or the protocol string doesn't match
// byte-for-byte.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, fmt.Errorf("wire: handshake must be %d bytes, got %d", HandshakeLen, len(buf))
	}
	if buf[0] != byte(len(Protocol)) {
		return Handshake{}, fmt.Errorf("wire: bad handshake pstrlen %d", buf[0])
	}
	if string(buf[1:20]) != Protocol {
		return Handshake{}, fmt.Errorf("wire: bad handshake protocol string %q", buf[1:20])
	}
	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// Encode serializes a Message into a length-prefixed frame ready to
// write to the peer socket.
func Encode(m Message) ([]byte, error) {
	if m.Kind == KeepAlive {
		return []byte{0, 0, 0, 0}, nil
	}

	var payload []byte
	switch m.Kind {
	case Choke, Unchoke, Interested, NotInterested:
		payload = nil
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case Bitfield:
		payload = m.BitfieldBits
	case Request, Cancel:
		if m.Length > MaxBlockLength {
			return nil, fmt.Errorf("wire: %s length %d exceeds %d", m.Kind, m.Length, MaxBlockLength)
		}
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	case Unknown:
		payload = make([]byte, 1+len(m.UnknownPayload))
		payload[0] = m.UnknownID
		copy(payload[1:], m.UnknownPayload)
	default:
		return nil, fmt.Errorf("wire: unencodable kind %v", m.Kind)
	}

	if m.Kind == Unknown {
		// payload already carries the id byte as payload[0].
		frame := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
		copy(frame[4:], payload)
		return frame, nil
	}

	length := uint32(len(payload)) + 1 // +1 for the id byte
	frame := make([]byte, 4+length)
	binary.BigEndian.PutUint32(frame[0:4], length)
	frame[4] = wireID[m.Kind]
	copy(frame[5:], payload)
	return frame, nil
}

// TryDecode attempts to decode exactly one frame from the front of
// buf. Parsing proceeds only while at least 4 bytes (the length
// prefix) are available, and a full frame requires buf to already
// hold 4+N bytes.
// ok is false when buf does not yet contain a complete frame — the
// caller should read more bytes and retry. n is the number of bytes
// consumed from buf when ok is true.
func TryDecode(buf []byte) (msg Message, n int, ok bool, err error) {
	if len(buf) < 4 {
		return Message{}, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return Message{Kind: KeepAlive}, 4, true, nil
	}
	total := 4 + int(length)
	if len(buf) < total {
		return Message{}, 0, false, nil
	}

	id := buf[4]
	payload := buf[5:total]

	kind, known := idToKind[id]
	if !known {
		msg = Message{Kind: Unknown, UnknownID: id, UnknownPayload: append([]byte(nil), payload...)}
		return msg, total, true, nil
	}

	switch kind {
	case Choke, Unchoke, Interested, NotInterested:
		msg = Message{Kind: kind}
	case Have:
		if len(payload) != 4 {
			return Message{}, 0, false, fmt.Errorf("wire: have payload must be 4 bytes, got %d", len(payload))
		}
		msg = Message{Kind: Have, Index: binary.BigEndian.Uint32(payload)}
	case Bitfield:
		msg = Message{Kind: Bitfield, BitfieldBits: append([]byte(nil), payload...)}
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, 0, false, fmt.Errorf("wire: %s payload must be 12 bytes, got %d", kind, len(payload))
		}
		msg = Message{
			Kind:   kind,
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}
	case Piece:
		if len(payload) < 8 {
			return Message{}, 0, false, fmt.Errorf("wire: piece payload must be at least 8 bytes, got %d", len(payload))
		}
		msg = Message{
			Kind:  Piece,
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: append([]byte(nil), payload[8:]...),
		}
	default:
		return Message{}, 0, false, fmt.Errorf("wire: unreachable kind %v", kind)
	}

	return msg, total, true, nil
}
