package wire

import (
	"bytes"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// Extended message sub-ids, carried in the first byte of an Extended
// message's payload. ext_id 0 is reserved for the extended handshake.
const (
	ExtHandshakeID  = 0
	ExtMetadataID   = 1
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
	MetadataHave    = 3
)

// ExtendedHandshake is the bencoded body of an Extended(ext_id=0)
// message: the `m` mapping advertises which extensions (by name) map to
// which local ext_id, and pieces_number tells the peer how many
// 16KB-chunks of the info dictionary the sender expects to exchange.
type ExtendedHandshake struct {
	M            map[string]int64 `bencode:"m"`
	PiecesNumber int64            `bencode:"pieces_number"`
}

// EncodeExtendedHandshake bencodes an extended handshake advertising
// ut_metadata support.
func EncodeExtendedHandshake(piecesNumber int) ([]byte, error) {
	var buf bytes.Buffer
	hs := ExtendedHandshake{M: map[string]int64{"ut_metadata": ExtMetadataID}, PiecesNumber: int64(piecesNumber)}
	if err := bencode.Marshal(&buf, hs); err != nil {
		return nil, errors.Wrap(err, "wire: encoding extended handshake")
	}
	return buf.Bytes(), nil
}

// DecodeExtendedHandshake parses the bencoded body of an Extended(0)
// message.
func DecodeExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	var hs ExtendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(payload), &hs); err != nil {
		return nil, errors.Wrap(err, "wire: decoding extended handshake")
	}
	return &hs, nil
}

// FormatExtended wraps a bencoded body in an Extended message with the
// given sub-id.
func FormatExtended(extID uint8, body []byte) *Message {
	payload := make([]byte, 1+len(body))
	payload[0] = extID
	copy(payload[1:], body)
	return &Message{ID: Extended, Payload: payload}
}

// ParseExtended splits an Extended message into its sub-id and body.
func ParseExtended(m *Message) (extID uint8, body []byte, err error) {
	if m.ID != Extended {
		return 0, nil, errors.Errorf("wire: expected Extended, got %s", m.ID)
	}
	if len(m.Payload) < 1 {
		return 0, nil, errors.New("wire: Extended payload is empty")
	}
	return m.Payload[0], m.Payload[1:], nil
}

// FormatMetadataRequest builds the `{msg_type:0, piece:i}` sub-message
// requesting metadata chunk i.
func FormatMetadataRequest(piece int) (*Message, error) {
	return encodeMetadataDict(map[string]interface{}{"msg_type": MetadataRequest, "piece": piece}, nil)
}

// FormatMetadataData builds the `{msg_type:1, piece:i, total_size:s}`
// sub-message followed by the raw chunk bytes.
func FormatMetadataData(piece int, chunk []byte) (*Message, error) {
	dict := map[string]interface{}{"msg_type": MetadataData, "piece": piece, "total_size": len(chunk)}
	return encodeMetadataDict(dict, chunk)
}

// FormatMetadataReject builds the `{msg_type:2, piece:i}` sub-message.
func FormatMetadataReject(piece int) (*Message, error) {
	return encodeMetadataDict(map[string]interface{}{"msg_type": MetadataReject, "piece": piece}, nil)
}

// FormatMetadataHave builds the `{msg_type:3, pieces_number:K}`
// acknowledgement that a full metadata set has been received.
func FormatMetadataHave(piecesNumber int) (*Message, error) {
	return encodeMetadataDict(map[string]interface{}{"msg_type": MetadataHave, "pieces_number": piecesNumber}, nil)
}

func encodeMetadataDict(dict map[string]interface{}, trailer []byte) (*Message, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, errors.Wrap(err, "wire: encoding metadata sub-message")
	}
	buf.Write(trailer)
	return FormatExtended(ExtMetadataID, buf.Bytes()), nil
}

// MetadataMessage is the parsed form of any of the four metadata
// sub-messages.
type MetadataMessage struct {
	MsgType      int
	Piece        int
	TotalSize    int
	PiecesNumber int
	Chunk        []byte // only set for MsgType == MetadataData
}

// ParseMetadataMessage decodes an Extended(ext_id=1) body into its
// sub-message type. The bencoded dictionary is decoded off a
// bytes.Reader shared with the raw chunk bytes that follow it in a
// MetadataData message (§4.6); whatever the decoder leaves unconsumed
// is the chunk, so this works regardless of which optional keys the
// dictionary carries.
func ParseMetadataMessage(body []byte) (*MetadataMessage, error) {
	reader := bytes.NewReader(body)
	var dict map[string]interface{}
	if err := bencode.Unmarshal(reader, &dict); err != nil {
		return nil, errors.Wrap(err, "wire: decoding metadata sub-message")
	}

	msg := &MetadataMessage{
		MsgType:      dictInt(dict, "msg_type"),
		Piece:        dictInt(dict, "piece"),
		TotalSize:    dictInt(dict, "total_size"),
		PiecesNumber: dictInt(dict, "pieces_number"),
	}

	if msg.MsgType == MetadataData {
		consumed := len(body) - reader.Len()
		chunk := body[consumed:]
		if len(chunk) != msg.TotalSize {
			return nil, errors.Errorf("wire: metadata chunk length %d, want %d", len(chunk), msg.TotalSize)
		}
		msg.Chunk = chunk
	}

	return msg, nil
}

// dictInt extracts an integer field from a decoded bencode dictionary,
// tolerating its absence (bencode-go decodes bencode integers as
// int64).
func dictInt(dict map[string]interface{}, key string) int {
	v, ok := dict[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
