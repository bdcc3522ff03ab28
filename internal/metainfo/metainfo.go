// Package metainfo decodes .torrent metainfo documents into the
// immutable torrent descriptor the rest of the engine treats as
// external-collaborator input: announce URLs, file layout, and the
// per-segment SHA-1 hash list.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// Info is the bencoded "info" dictionary of a .torrent file.
type Info struct {
	PieceLength int64              `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
	Name        string             `bencode:"name"`
	Length      int64              `bencode:"length"`
	Files       []FileEntry        `bencode:"files"`
	MD5Sum      string             `bencode:"md5sum"`
	Private     int                `bencode:"private"`
}

// FileEntry describes one file of a multi-file torrent.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	MD5Sum string   `bencode:"md5sum"`
}

// Metainfo is the root dictionary of a .torrent file, decorated with
// the derived InfoHash that serves as the torrent's immutable
// identity.
type Metainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	CreationDate int64      `bencode:"creation date"`
	Encoding     string     `bencode:"encoding"`
	Info         Info       `bencode:"info"`

	InfoHash [20]byte `bencode:"-"`
}

// Parse loads and decodes a .torrent file from path, computing its
// info_hash from the raw bencoded "info" dictionary bytes (the hash
// must be taken over the dictionary's exact encoded form, not a
// round-tripped re-encoding, since field order and unknown keys would
// otherwise change the digest).
func Parse(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var m Metainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &m); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating info dict in %q: %w", path, err)
	}
	m.InfoHash = sha1.Sum(infoBytes)

	return &m, nil
}

// TotalLength returns the sum of all file lengths.
func (m *Metainfo) TotalLength() int64 {
	if len(m.Info.Files) == 0 {
		return m.Info.Length
	}
	var total int64
	for _, f := range m.Info.Files {
		total += f.Length
	}
	return total
}

// PieceHashes splits the concatenated "pieces" string into its 20-byte
// SHA-1 segment hashes.
func (m *Metainfo) PieceHashes() ([][20]byte, error) {
	raw := []byte(m.Info.Pieces)
	if len(raw)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of 20", len(raw))
	}
	hashes := make([][20]byte, len(raw)/20)
	for i := range hashes {
		copy(hashes[i][:], raw[i*20:(i+1)*20])
	}
	return hashes, nil
}

// extractInfoBytes locates the "4:info" key in the raw bencoded
// document and returns the exact encoded bytes of its value, using a
// small hand-rolled bencode depth scanner. bencode-go only exposes
// Unmarshal into Go values, not access to a sub-document's raw bytes,
// so there is no off-the-shelf way to recover the exact byte range
// needed for the info-hash digest.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at byte %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at byte %d-%d", i, j)
					}
					j++
					i = j + length - 1
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dictionary")
}
