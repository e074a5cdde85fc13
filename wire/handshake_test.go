package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeSerializeReadRoundTrip(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var peerID [20]byte
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	h := &Handshake{InfoHash: infoHash, PeerID: peerID, Extension: true}
	buf := bytes.NewBuffer(h.Serialize())

	got, err := ReadHandshake(buf)
	require.NoError(t, err)
	require.Equal(t, infoHash, got.InfoHash)
	require.Equal(t, peerID, got.PeerID)
	require.True(t, got.Extension)
}

func TestHandshakeWithoutExtensionBit(t *testing.T) {
	var infoHash, peerID [20]byte
	h := &Handshake{InfoHash: infoHash, PeerID: peerID, Extension: false}
	buf := bytes.NewBuffer(h.Serialize())

	got, err := ReadHandshake(buf)
	require.NoError(t, err)
	require.False(t, got.Extension)
}

func TestSerializeLength(t *testing.T) {
	var infoHash, peerID [20]byte
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	require.Len(t, h.Serialize(), 49+len(protocolString))
}

func TestPerformHandshakeAcceptsMatchingInfoHash(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var peerID [20]byte
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	resp := &Handshake{InfoHash: infoHash, PeerID: peerID}
	conn := &fakeConn{readBuf: bytes.NewBuffer(resp.Serialize())}

	got, err := PerformHandshake(conn, infoHash, peerID, false)
	require.NoError(t, err)
	require.Equal(t, infoHash, got.InfoHash)
}

func TestPerformHandshakeRejectsMismatchedInfoHash(t *testing.T) {
	var wantHash, otherHash, peerID [20]byte
	copy(wantHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(otherHash[:], "cccccccccccccccccccc")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	resp := &Handshake{InfoHash: otherHash, PeerID: peerID}
	conn := &fakeConn{readBuf: bytes.NewBuffer(resp.Serialize())}

	_, err := PerformHandshake(conn, wantHash, peerID, false)
	require.Error(t, err)
}

// fakeConn implements io.ReadWriter over a pre-seeded read buffer, ignoring
// writes, so PerformHandshake can be exercised without a real socket.
type fakeConn struct {
	readBuf *bytes.Buffer
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.readBuf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
