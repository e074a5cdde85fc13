package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

const protocolString = "BitTorrent protocol"

// extensionReservedByte is the index into the 8 reserved handshake bytes
// that carries the extension-protocol capability flag, and
// extensionBit is the bit within that byte. spec.md §4.2/§9 settle on
// reserved[0] |= 0x10 as the convention this implementation and its
// peers agree on, matching the accepted-peer behavior the spec calls
// out (the alternative reserved[5] & 0x20 reading is not used here).
const (
	extensionReservedByte = 0
	extensionBit          = 0x10
)

// Handshake is the fixed 68-byte pre-message exchange.
type Handshake struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	Extension bool
}

// Serialize encodes the handshake to its wire form.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(protocolString))
	cursor := 0
	buf[cursor] = byte(len(protocolString))
	cursor++
	cursor += copy(buf[cursor:], protocolString)

	reserved := make([]byte, 8)
	if h.Extension {
		reserved[extensionReservedByte] |= extensionBit
	}
	cursor += copy(buf[cursor:], reserved)
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and decodes a handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "wire: reading handshake pstrlen")
	}
	pstrlen := int(lenBuf[0])
	if pstrlen == 0 {
		return nil, errors.New("wire: handshake pstrlen is 0")
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "wire: reading handshake body")
	}

	cursor := pstrlen
	reserved := rest[cursor : cursor+8]
	cursor += 8

	var h Handshake
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])

	h.Extension = reserved[extensionReservedByte]&extensionBit != 0
	return &h, nil
}

// PerformHandshake writes a handshake to conn and validates the peer's
// response against wantInfoHash. An info-hash mismatch is fatal per
// §4.2; a peer_id mismatch (the response not echoing the id we expect,
// when we have an expectation) is only informational and is not
// checked here — the caller logs it if it cares.
func PerformHandshake(conn io.ReadWriter, infoHash, peerID [20]byte, extension bool) (*Handshake, error) {
	req := &Handshake{InfoHash: infoHash, PeerID: peerID, Extension: extension}
	if _, err := conn.Write(req.Serialize()); err != nil {
		return nil, errors.Wrap(err, "wire: sending handshake")
	}

	resp, err := ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(resp.InfoHash[:], infoHash[:]) {
		return nil, errors.Errorf("wire: info-hash mismatch, want %x got %x", infoHash, resp.InfoHash)
	}
	return resp, nil
}
