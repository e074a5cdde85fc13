// Package peerid generates the process-wide 20-byte BitTorrent peer
// identity used on every tracker announce and handshake.
package peerid

import (
	"github.com/google/uuid"
)

// prefix follows the Azureus-style convention the teacher used
// ("-GT0001-"); "GR" identifies this client, "0100" its version.
const prefix = "-GR0100-"

// New derives a 20-byte peer id: prefix followed by 12 bytes taken from
// a fresh random UUID, so the suffix is unique per process without a
// hand-rolled crypto/rand loop.
func New() [20]byte {
	var id [20]byte
	copy(id[:], prefix)

	u := uuid.New()
	copy(id[len(prefix):], u[:20-len(prefix)])
	return id
}

// String renders a peer id for logging.
func String(id [20]byte) string {
	return string(id[:])
}
