// Package upload implements the seeding side of a torrent: serving
// piece Request messages from the backing files, and, for peers that
// set the extension bit, serving ut_metadata chunk requests from a
// cached bencoding of the info dictionary (spec §4.5/§4.6/§4.7).
package upload

import (
	"bufio"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvbealr/gorrent/bitfield"
	"github.com/lvbealr/gorrent/internal/protoerr"
	"github.com/lvbealr/gorrent/metainfo"
	"github.com/lvbealr/gorrent/peer"
	"github.com/lvbealr/gorrent/wire"
)

// pingProbe/pongReply are the liveness probe tracker.Ping sends and
// expects back (spec §12); the peer listener answers it ahead of
// handshake parsing since it is not a BitTorrent message at all.
const (
	pingProbe = "ping"
	pongReply = "pong"
)

// Server accepts inbound peer connections for one torrent and serves
// every piece the local node owns. Unlike download.Engine it has no
// notion of partial ownership: a Server is only ever constructed once
// every piece is verified, so its bitfield is always all-ones.
type Server struct {
	mi       *metainfo.Metainfo
	infoHash [20]byte
	localID  [20]byte

	spans   []metainfo.FileSpan
	handles []*os.File

	metadataChunks [][]byte

	log *logrus.Entry
}

// NewServer opens the backing files under sourceDir read-only and
// pre-chunks the bencoded info dictionary into BlockSize pieces for
// ut_metadata requests.
func NewServer(mi *metainfo.Metainfo, sourceDir string, infoHash, localID [20]byte, log *logrus.Entry) (*Server, error) {
	spans := mi.BuildFileSpans(sourceDir)
	handles := make([]*os.File, len(spans))
	for i, span := range spans {
		f, err := os.Open(span.Path)
		if err != nil {
			return nil, protoerr.Wrapf(protoerr.Config, err, "upload: opening %s", span.Path)
		}
		handles[i] = f
	}

	chunks, err := chunkMetadata(mi.Info)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Config, err)
	}

	return &Server{
		mi:             mi,
		infoHash:       infoHash,
		localID:        localID,
		spans:          spans,
		handles:        handles,
		metadataChunks: chunks,
		log:            log,
	}, nil
}

// chunkMetadata splits the re-bencoded info dictionary into BlockSize
// chunks, the unit ut_metadata requests and serves (§4.6).
func chunkMetadata(info metainfo.Info) ([][]byte, error) {
	raw, err := metainfo.EncodeInfo(info)
	if err != nil {
		return nil, err
	}
	var chunks [][]byte
	for i := 0; i < len(raw); i += metainfo.BlockSize {
		end := i + metainfo.BlockSize
		if end > len(raw) {
			end = len(raw)
		}
		chunks = append(chunks, raw[i:end])
	}
	return chunks, nil
}

// Close closes every backing file handle.
func (s *Server) Close() error {
	var firstErr error
	for _, f := range s.handles {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Serve accepts connections from ln until it returns an error (the
// listener having been closed by the caller is the expected exit
// path).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return protoerr.Wrap(protoerr.Transport, err)
		}
		go s.handleConn(conn)
	}
}

// handleConn drives one inbound peer end to end: a leading 4-byte
// "ping" liveness probe (§12), otherwise handshake, bitfield, then the
// message-serving loop. Any handshake failure or info-hash mismatch
// drops the connection silently, matching the accepted-peer behavior
// described in spec §4.2.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("remote", conn.RemoteAddr())

	if err := conn.SetDeadline(time.Now().Add(peer.HandshakeTimeout)); err != nil {
		return
	}

	// Buffered so a leading "ping" probe can be peeked without
	// consuming bytes that belong to a real handshake; every
	// subsequent read of this connection must go through r, not conn
	// directly, since Peek may have already buffered more than 4 bytes.
	r := bufio.NewReader(conn)
	if probe, err := r.Peek(len(pingProbe)); err == nil && string(probe) == pingProbe {
		io.CopyN(io.Discard, r, int64(len(pingProbe)))
		conn.Write([]byte(pongReply))
		return
	}

	remoteHS, err := wire.ReadHandshake(r)
	if err != nil {
		log.WithError(err).Debug("upload: handshake read failed")
		return
	}
	if remoteHS.InfoHash != s.infoHash {
		log.Warn("upload: info-hash mismatch, dropping connection")
		return
	}

	resp := &wire.Handshake{InfoHash: s.infoHash, PeerID: s.localID, Extension: true}
	if _, err := conn.Write(resp.Serialize()); err != nil {
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	bf := s.fullBitfield()
	s.send(conn, &wire.Message{ID: wire.BitfieldMsg, Payload: bf}, log)

	s.serveLoop(conn, r, log)
}

// fullBitfield returns a bitfield with every piece marked present.
func (s *Server) fullBitfield() bitfield.Bitfield {
	bf := bitfield.New(s.mi.NumPieces())
	for i := 0; i < s.mi.NumPieces(); i++ {
		bf.Set(i)
	}
	return bf
}

// serveLoop reads messages from r (conn, or whatever bytes handleConn
// already buffered ahead of it) until it errors (remote closed or a
// read timeout elapsed), dispatching Request and Extended messages and
// acking Interested with Unchoke.
func (s *Server) serveLoop(conn net.Conn, r io.Reader, log *logrus.Entry) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(peer.MessageTimeout)); err != nil {
			return
		}
		m, err := wire.Read(r)
		if err != nil {
			log.WithError(err).Debug("upload: connection closed")
			return
		}
		if m == nil {
			continue // keep-alive
		}

		switch m.ID {
		case wire.Interested:
			s.send(conn, &wire.Message{ID: wire.Unchoke}, log)
		case wire.Request:
			s.serveRequest(conn, m, log)
		case wire.Extended:
			s.serveExtended(conn, m, log)
		case wire.NotInterested, wire.Have, wire.Choke, wire.Unchoke:
			// no upload-side bookkeeping required for these
		}
	}
}

// serveRequest answers a Request for (index, begin, length). A
// request naming an unknown piece, or one whose range overruns the
// piece, is dropped with a warning rather than closing the
// connection, matching the original upload_manager's behavior.
func (s *Server) serveRequest(conn net.Conn, m *wire.Message, log *logrus.Entry) {
	index, begin, length, err := wire.ParseRequest(m)
	if err != nil {
		log.WithError(err).Warn("upload: malformed request")
		return
	}
	if index < 0 || index >= s.mi.NumPieces() {
		log.WithField("piece", index).Warn("upload: request for unknown piece")
		return
	}
	if begin < 0 || int64(begin+length) > s.mi.PieceLength(index) {
		log.WithField("piece", index).Warn("upload: request range overruns piece")
		return
	}

	pieceBegin, _ := s.mi.PieceBounds(index)
	block, err := s.readRange(pieceBegin+int64(begin), length)
	if err != nil {
		log.WithError(err).WithField("piece", index).Warn("upload: reading block failed")
		return
	}

	s.send(conn, wire.FormatPiece(index, begin, block), log)
}

// readRange reads length bytes starting at streamBegin (an offset
// into the logical, all-files-concatenated byte stream) from
// whichever backing file(s) it spans.
func (s *Server) readRange(streamBegin int64, length int) ([]byte, error) {
	segments := metainfo.PieceSegments(s.spans, streamBegin, streamBegin+int64(length))
	buf := make([]byte, length)
	for _, seg := range segments {
		fileStreamOffset := s.spans[seg.FileIndex].Offset + seg.OffsetInFile
		bufStart := fileStreamOffset - streamBegin
		if _, err := s.handles[seg.FileIndex].ReadAt(buf[bufStart:bufStart+seg.ByteCount], seg.OffsetInFile); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// serveExtended answers an Extended message: ext_id 0 is the extended
// handshake (we always reply advertising ut_metadata support and our
// chunk count), ext_id 1 is a ut_metadata sub-message.
func (s *Server) serveExtended(conn net.Conn, m *wire.Message, log *logrus.Entry) {
	extID, body, err := wire.ParseExtended(m)
	if err != nil {
		log.WithError(err).Warn("upload: malformed extended message")
		return
	}

	switch extID {
	case wire.ExtHandshakeID:
		hsBody, err := wire.EncodeExtendedHandshake(len(s.metadataChunks))
		if err != nil {
			log.WithError(err).Warn("upload: encoding extended handshake")
			return
		}
		s.send(conn, wire.FormatExtended(wire.ExtHandshakeID, hsBody), log)
	case wire.ExtMetadataID:
		s.serveMetadata(conn, body, log)
	}
}

// serveMetadata answers a ut_metadata sub-message. Only
// MetadataRequest expects a reply; MetadataHave is the remote's
// acknowledgement that it received every chunk and needs no response.
func (s *Server) serveMetadata(conn net.Conn, body []byte, log *logrus.Entry) {
	msg, err := wire.ParseMetadataMessage(body)
	if err != nil {
		log.WithError(err).Warn("upload: malformed metadata sub-message")
		return
	}

	switch msg.MsgType {
	case wire.MetadataRequest:
		if msg.Piece < 0 || msg.Piece >= len(s.metadataChunks) {
			reject, err := wire.FormatMetadataReject(msg.Piece)
			if err != nil {
				return
			}
			s.send(conn, reject, log)
			return
		}
		data, err := wire.FormatMetadataData(msg.Piece, s.metadataChunks[msg.Piece])
		if err != nil {
			log.WithError(err).Warn("upload: encoding metadata chunk")
			return
		}
		s.send(conn, data, log)
	}
}

// send writes m to conn under the standard message timeout, logging
// (rather than propagating) a failed write — the serveLoop's next
// read will observe the broken connection and exit.
func (s *Server) send(conn net.Conn, m *wire.Message, log *logrus.Entry) {
	if err := conn.SetWriteDeadline(time.Now().Add(peer.MessageTimeout)); err != nil {
		return
	}
	if _, err := conn.Write(m.Serialize()); err != nil {
		log.WithError(err).Debug("upload: write failed")
	}
}
