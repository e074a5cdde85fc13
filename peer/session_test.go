package peer

import (
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/gorrent/bitfield"
	"github.com/lvbealr/gorrent/metainfo"
	"github.com/lvbealr/gorrent/wire"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// dialedPair returns a Session dialed against a net.Pipe whose far end
// has already completed the wire handshake, so tests exercise
// post-handshake behavior without a real listener.
func dialedPair(t *testing.T, infoHash, localID, remoteID [20]byte) (*Session, net.Conn) {
	t.Helper()

	client, server := net.Pipe()

	go func() {
		resp := &wire.Handshake{InfoHash: infoHash, PeerID: remoteID}
		hsBuf, err := wire.ReadHandshake(server)
		if err != nil {
			return
		}
		_ = hsBuf
		server.Write(resp.Serialize())
	}()

	done := make(chan struct{})
	var sess *Session
	var dialErr error
	go func() {
		defer close(done)
		sess, dialErr = dialOverConn(client, infoHash, localID, false, testLogger())
	}()
	<-done
	require.NoError(t, dialErr)
	return sess, server
}

// dialOverConn mirrors Dial's handshake logic but operates on a
// pre-connected net.Conn, letting tests substitute a net.Pipe for a
// real TCP dial.
func dialOverConn(conn net.Conn, infoHash, localID [20]byte, extension bool, log *logrus.Entry) (*Session, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	resp, err := wire.PerformHandshake(conn, infoHash, localID, extension)
	if err != nil {
		return nil, err
	}
	return &Session{
		conn:      conn,
		addr:      "pipe",
		infoHash:  infoHash,
		localID:   localID,
		RemoteID:  resp.PeerID,
		Extension: resp.Extension,
		Choked:    true,
		state:     StateHandshaking,
		log:       log.WithField("peer", "pipe"),
	}, nil
}

func TestAwaitReadyCapturesBitfield(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	sess, server := dialedPair(t, infoHash, localID, remoteID)
	defer server.Close()
	defer sess.Close()

	bf := bitfield.New(4)
	bf.Set(1)
	go server.Write((&wire.Message{ID: wire.BitfieldMsg, Payload: bf}).Serialize())

	require.NoError(t, sess.AwaitReady(4))
	require.True(t, sess.HasPiece(1))
	require.False(t, sess.HasPiece(0))
}

func TestAwaitReadyHandlesLeadingUnchoke(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	sess, server := dialedPair(t, infoHash, localID, remoteID)
	defer server.Close()
	defer sess.Close()

	go server.Write((&wire.Message{ID: wire.Unchoke}).Serialize())

	require.NoError(t, sess.AwaitReady(4))
	require.False(t, sess.Choked)
}

func TestDownloadPieceRejectsWhenRemoteLacksPiece(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	sess, server := dialedPair(t, infoHash, localID, remoteID)
	defer server.Close()
	defer sess.Close()

	sess.state = StateReady
	sess.bitfield = bitfield.New(4) // all-zero: remote has no pieces

	_, err := sess.DownloadPiece(0, 16384, [20]byte{})
	require.Error(t, err)
}

func TestDownloadPieceHappyPath(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	sess, server := dialedPair(t, infoHash, localID, remoteID)
	defer server.Close()
	defer sess.Close()

	bf := bitfield.New(1)
	bf.Set(0)
	sess.state = StateReady
	sess.bitfield = bf

	// Single block (< MAX_BLOCK_SIZE) keeps this test to one
	// request/response round-trip; MAX_BACKLOG pipelining itself is a
	// property of DownloadPiece's request loop, not of this transport.
	pieceData := make([]byte, 10000)
	for i := range pieceData {
		pieceData[i] = byte(i)
	}
	hash := sha1.Sum(pieceData)

	serverErrs := make(chan error, 1)
	go func() {
		serverErrs <- serveOnePiece(server, pieceData)
	}()

	got, err := sess.DownloadPiece(0, len(pieceData), hash)
	require.NoError(t, err)
	require.Equal(t, pieceData, got)
	require.NoError(t, <-serverErrs)
}

func TestDownloadPieceResumesAfterMidStreamChoke(t *testing.T) {
	var infoHash, localID, remoteID [20]byte
	sess, server := dialedPair(t, infoHash, localID, remoteID)
	defer server.Close()
	defer sess.Close()

	bf := bitfield.New(1)
	bf.Set(0)
	sess.state = StateReady
	sess.bitfield = bf

	// Exactly MaxBacklog full blocks, so the first pipelined wave of
	// requests fills the backlog with nothing yet downloaded.
	pieceData := make([]byte, MaxBacklog*metainfo.BlockSize)
	for i := range pieceData {
		pieceData[i] = byte(i)
	}
	hash := sha1.Sum(pieceData)

	serverErrs := make(chan error, 1)
	go func() {
		serverErrs <- serveOnePieceWithMidStreamChoke(server, pieceData)
	}()

	got, err := sess.DownloadPiece(0, len(pieceData), hash)
	require.NoError(t, err)
	require.Equal(t, pieceData, got)
	require.NoError(t, <-serverErrs)
}

// serveOnePieceWithMidStreamChoke drains the first wave of pipelined
// requests without answering any of them, chokes, then immediately
// unchokes and serves every (re-requested) block normally. A client
// that doesn't reset its backlog on Choke would stall here forever,
// waiting on Piece replies to requests the remote already dropped.
func serveOnePieceWithMidStreamChoke(conn net.Conn, data []byte) error {
	if _, err := wire.Read(conn); err != nil { // Interested
		return err
	}
	if _, err := conn.Write((&wire.Message{ID: wire.Unchoke}).Serialize()); err != nil {
		return err
	}

	for i := 0; i < MaxBacklog; i++ {
		if _, err := wire.Read(conn); err != nil { // Request, left unanswered
			return err
		}
	}
	if _, err := conn.Write((&wire.Message{ID: wire.Choke}).Serialize()); err != nil {
		return err
	}
	if _, err := conn.Write((&wire.Message{ID: wire.Unchoke}).Serialize()); err != nil {
		return err
	}

	// net.Pipe has no buffering, so the re-requested wave is read in
	// full before any Piece is written back; answering each Request as
	// it arrives would block this Write against the client's next
	// Request write.
	type blockReq struct{ begin, length int }
	var wave []blockReq
	requested := 0
	for requested < len(data) {
		m, err := wire.Read(conn)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		_, begin, length, err := wire.ParseRequest(m)
		if err != nil {
			return err
		}
		wave = append(wave, blockReq{begin, length})
		requested += length
	}
	for _, r := range wave {
		block := data[r.begin : r.begin+r.length]
		if _, err := conn.Write(wire.FormatPiece(0, r.begin, block).Serialize()); err != nil {
			return err
		}
	}

	if _, err := wire.Read(conn); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// serveOnePiece plays the remote side of a single-piece download:
// reads Interested, sends Unchoke, then answers Request messages with
// Piece messages until the client has everything, and finally reads
// the trailing Have.
func serveOnePiece(conn net.Conn, data []byte) error {
	if _, err := wire.Read(conn); err != nil { // Interested
		return err
	}
	if _, err := conn.Write((&wire.Message{ID: wire.Unchoke}).Serialize()); err != nil {
		return err
	}

	served := 0
	for served < len(data) {
		m, err := wire.Read(conn)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		index, begin, length, err := wire.ParseRequest(m)
		if err != nil {
			return err
		}
		_ = index
		block := data[begin : begin+length]
		if _, err := conn.Write(wire.FormatPiece(0, begin, block).Serialize()); err != nil {
			return err
		}
		served += length
	}

	// drain the trailing Have
	if _, err := wire.Read(conn); err != nil && err != io.EOF {
		return err
	}
	return nil
}
