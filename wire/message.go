// Package wire implements the length-prefixed BitTorrent message framing,
// the handshake, and the extension sub-protocol used to fetch a torrent's
// metainfo from a peer when only a magnet identifier is known.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ID identifies a message's type.
type ID uint8

// Message IDs per spec §4.1.
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Extended      ID = 20
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case BitfieldMsg:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("ID(%d)", uint8(id))
	}
}

// Message is a single post-handshake protocol message. A nil *Message
// represents the zero-length keep-alive.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as length(4) || id(1) || payload. A nil receiver
// serializes to the 4-byte keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Read parses one message (or keep-alive, returned as a nil *Message)
// from r. Short reads are accumulated via io.ReadFull so the caller may
// use a partially-filled socket buffer safely.
func Read(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, errors.Wrap(err, "wire: reading message length")
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "wire: reading message body")
	}

	m := &Message{ID: ID(buf[0])}
	if length > 1 {
		m.Payload = buf[1:]
	}
	return m, nil
}

// FormatHave builds a Have message for piece index.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// ParseHave validates and extracts the piece index from a Have message.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, errors.Errorf("wire: expected Have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, errors.Errorf("wire: Have payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// FormatRequest builds a Request message for the given block.
func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// FormatCancel builds a Cancel message mirroring a prior Request.
func FormatCancel(index, begin, length int) *Message {
	m := FormatRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// ParseRequest extracts (index, begin, length) from a Request or Cancel
// message.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if m.ID != Request && m.ID != Cancel {
		return 0, 0, 0, errors.Errorf("wire: expected Request/Cancel, got %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, errors.Errorf("wire: Request payload length %d, want 12", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// FormatPiece builds a Piece message carrying block at (index, begin).
func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParsePiece copies a Piece message's block into buf at its declared
// begin offset and returns the number of bytes copied. It rejects a
// piece index mismatch or a block that would overrun buf, per §4.4's
// "ignore Piece messages whose index does not match ... or whose
// begin+len(data) exceeds the piece length" rule.
func ParsePiece(wantIndex int, buf []byte, m *Message) (int, error) {
	if m.ID != Piece {
		return 0, errors.Errorf("wire: expected Piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, errors.Errorf("wire: Piece payload length %d, want >= 8", len(m.Payload))
	}
	gotIndex := int(binary.BigEndian.Uint32(m.Payload[0:4]))
	if gotIndex != wantIndex {
		return 0, errors.Errorf("wire: Piece index %d, want %d", gotIndex, wantIndex)
	}
	begin := int(binary.BigEndian.Uint32(m.Payload[4:8]))
	if begin < 0 || begin >= len(buf) {
		return 0, errors.Errorf("wire: Piece begin %d out of range [0,%d)", begin, len(buf))
	}
	data := m.Payload[8:]
	if begin+len(data) > len(buf) {
		return 0, errors.Errorf("wire: Piece data length %d at begin %d overruns buffer of %d", len(data), begin, len(buf))
	}
	copy(buf[begin:], data)
	return len(data), nil
}
