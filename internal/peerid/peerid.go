// Package peerid generates the 20-byte client peer id used to
// identify this client to trackers and peers.
package peerid

import (
	"crypto/rand"
	"fmt"
)

// Prefix identifies this client in the Azureus-style peer id
// convention ("-XX0001-" + 12 random characters).
const Prefix = "-BC0001-"

const length = 20

// Generate returns a fresh, random 20-byte peer id.
func Generate() ([20]byte, error) {
	var id [20]byte
	copy(id[:], Prefix)

	randomLen := length - len(Prefix)
	randomBytes := make([]byte, randomLen)
	if _, err := rand.Read(randomBytes); err != nil {
		return id, fmt.Errorf("peerid: generating random bytes: %w", err)
	}

	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i, b := range randomBytes {
		randomBytes[i] = chars[int(b)%len(chars)]
	}
	copy(id[len(Prefix):], randomBytes)
	return id, nil
}
