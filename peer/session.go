// Package peer implements the per-connection state machine a download
// worker drives against one remote: handshake, bitfield exchange,
// interest/choke bookkeeping, and the pipelined block-request loop for
// a single piece at a time.
package peer

import (
	"bytes"
	"crypto/sha1"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvbealr/gorrent/bitfield"
	"github.com/lvbealr/gorrent/internal/protoerr"
	"github.com/lvbealr/gorrent/metainfo"
	"github.com/lvbealr/gorrent/wire"
)

// Timeouts per spec §5.
const (
	ConnectTimeout   = 1500 * time.Millisecond
	HandshakeTimeout = 7 * time.Second
	BitfieldTimeout  = 10 * time.Second
	MessageTimeout   = 5 * time.Second
)

// MaxBacklog bounds the number of simultaneously outstanding block
// requests for one piece.
const MaxBacklog = 5

// State is a PeerSession's position in the download-role state
// machine described in spec §4.4.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateWaiting
	StateRequesting
	StateTerminated
)

// Session is a single outbound connection to a remote peer, driving
// the download-role state machine for one torrent.
type Session struct {
	conn net.Conn
	addr string

	infoHash [20]byte
	localID  [20]byte
	RemoteID [20]byte

	Extension bool
	Choked    bool
	bitfield  bitfield.Bitfield

	state State
	log   *logrus.Entry
}

// Dial connects to addr, performs the handshake, and returns a Session
// in StateHandshaking. extension requests the ut_metadata extension
// bit in the outgoing handshake.
func Dial(addr string, infoHash, localID [20]byte, extension bool, log *logrus.Entry) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		return nil, protoerr.Wrapf(protoerr.Transport, err, "peer: dialing %s", addr)
	}

	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, protoerr.Wrap(protoerr.Transport, err)
	}

	resp, err := wire.PerformHandshake(conn, infoHash, localID, extension)
	if err != nil {
		conn.Close()
		return nil, protoerr.Wrapf(protoerr.Protocol, err, "peer: handshake with %s", addr)
	}

	return &Session{
		conn:      conn,
		addr:      addr,
		infoHash:  infoHash,
		localID:   localID,
		RemoteID:  resp.PeerID,
		Extension: resp.Extension,
		Choked:    true,
		state:     StateHandshaking,
		log:       log.WithField("peer", addr),
	}, nil
}

// Close terminates the underlying connection.
func (s *Session) Close() error {
	s.state = StateTerminated
	return s.conn.Close()
}

// Addr returns the remote address this session was dialed to.
func (s *Session) Addr() string { return s.addr }

// Bitfield returns the remote's last-known piece bitfield.
func (s *Session) Bitfield() bitfield.Bitfield { return s.bitfield }

// AwaitReady reads one message, waiting up to the bitfield timeout, and
// transitions to StateReady. A Bitfield message sets the remote's
// bitfield; any other message is processed in place (Choke, Unchoke,
// Have) rather than discarded and the bitfield stays all-zero apart
// from any Have, since a peer that owns no pieces may never send an
// explicit Bitfield message.
func (s *Session) AwaitReady(numPieces int) error {
	s.bitfield = bitfield.New(numPieces)

	if err := s.conn.SetReadDeadline(time.Now().Add(BitfieldTimeout)); err != nil {
		return protoerr.Wrap(protoerr.Transport, err)
	}

	m, err := wire.Read(s.conn)
	if err != nil {
		return protoerr.Wrapf(protoerr.Transport, err, "peer: reading bitfield from %s", s.addr)
	}
	if m != nil {
		if m.ID == wire.BitfieldMsg {
			s.bitfield = bitfield.Bitfield(m.Payload)
		} else if err := s.handleMessage(m); err != nil {
			return err
		}
	}

	s.state = StateReady
	return nil
}

// SendInterested declares interest and transitions to StateWaiting.
func (s *Session) SendInterested() error {
	if err := s.send(&wire.Message{ID: wire.Interested}); err != nil {
		return err
	}
	s.state = StateWaiting
	return nil
}

// SendNotInterested declares the session has nothing left to request.
func (s *Session) SendNotInterested() error {
	return s.send(&wire.Message{ID: wire.NotInterested})
}

// SendHave announces a newly-verified piece, per spec §4.4's
// on-completion behavior.
func (s *Session) SendHave(index int) error {
	return s.send(wire.FormatHave(index))
}

func (s *Session) send(m *wire.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(MessageTimeout)); err != nil {
		return protoerr.Wrap(protoerr.Transport, err)
	}
	if _, err := s.conn.Write(m.Serialize()); err != nil {
		return protoerr.Wrapf(protoerr.Transport, err, "peer: writing %s to %s", m.ID, s.addr)
	}
	return nil
}

// handleMessage applies the side effects of a Choke/Unchoke/Have
// message to session state; any other id is ignored (keep-alives
// surface as a nil *wire.Message and never reach here).
func (s *Session) handleMessage(m *wire.Message) error {
	switch m.ID {
	case wire.Choke:
		s.Choked = true
		s.log.Debug("choked")
	case wire.Unchoke:
		s.Choked = false
		s.log.Debug("unchoked")
	case wire.Have:
		index, err := wire.ParseHave(m)
		if err != nil {
			return protoerr.Wrap(protoerr.Protocol, err)
		}
		s.bitfield.Set(index)
	case wire.BitfieldMsg:
		s.bitfield = bitfield.Bitfield(m.Payload)
	}
	return nil
}

// errPeerLacksPiece signals the engine should re-queue the piece and
// try a different peer.
var errPeerLacksPiece = protoerr.Wrap(protoerr.Protocol, errLacksPiece{})

type errLacksPiece struct{}

func (errLacksPiece) Error() string { return "peer: remote does not have this piece" }

// HasPiece reports whether the remote's last-known bitfield marks
// index as present.
func (s *Session) HasPiece(index int) bool { return s.bitfield.Has(index) }

// DownloadPiece pipelines block requests for one piece, up to
// MaxBacklog outstanding at a time, reassembling and verifying the
// result against hash. On success it sends Have(index) and returns
// the piece bytes; on any failure the caller is expected to re-queue
// the piece (integrity failure, timeout, and protocol errors are all
// recoverable at the engine level, not fatal to the session, except
// where DownloadPiece itself returns a Transport/Protocol error
// indicating the connection should be dropped).
func (s *Session) DownloadPiece(index int, length int, hash [20]byte) ([]byte, error) {
	if !s.bitfield.Has(index) {
		return nil, errPeerLacksPiece
	}

	if s.state == StateReady {
		if err := s.SendInterested(); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, length)
	var downloaded, requested, backlog int

	for downloaded < length {
		if s.Choked {
			if err := s.waitForUnchoke(); err != nil {
				return nil, err
			}
		}

		for !s.Choked && backlog < MaxBacklog && requested < length {
			blockSize := metainfo.BlockSize
			if remaining := length - requested; remaining < blockSize {
				blockSize = remaining
			}
			if err := s.send(wire.FormatRequest(index, requested, blockSize)); err != nil {
				return nil, err
			}
			backlog++
			requested += blockSize
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(MessageTimeout)); err != nil {
			return nil, protoerr.Wrap(protoerr.Transport, err)
		}
		m, err := wire.Read(s.conn)
		if err != nil {
			return nil, protoerr.Wrapf(protoerr.Transport, err, "peer: reading piece %d from %s", index, s.addr)
		}
		if m == nil {
			continue // keep-alive
		}

		switch m.ID {
		case wire.Piece:
			n, err := wire.ParsePiece(index, buf, m)
			if err != nil {
				s.log.WithError(err).Debug("ignoring mismatched piece message")
				continue
			}
			downloaded += n
			backlog--
		case wire.Choke:
			if err := s.handleMessage(m); err != nil {
				return nil, err
			}
			// §4.4: a Choke drops every in-flight request. Resume the
			// pipeline fresh from the first undelivered byte once the
			// remote unchokes again.
			backlog = 0
			requested = downloaded
		case wire.Unchoke, wire.Have:
			if err := s.handleMessage(m); err != nil {
				return nil, err
			}
		}
	}

	sum := sha1.Sum(buf)
	if !bytes.Equal(sum[:], hash[:]) {
		return nil, protoerr.Wrapf(protoerr.Integrity, errIntegrityMismatch(index), "peer: piece %d from %s", index, s.addr)
	}

	s.state = StateRequesting
	if err := s.SendHave(index); err != nil {
		s.log.WithError(err).Warn("failed to announce completed piece")
	}
	return buf, nil
}

type errIntegrityMismatch int

func (i errIntegrityMismatch) Error() string { return "piece hash mismatch" }

// waitForUnchoke blocks, processing incoming messages, until the
// remote sends Unchoke.
func (s *Session) waitForUnchoke() error {
	for s.Choked {
		if err := s.conn.SetReadDeadline(time.Now().Add(MessageTimeout)); err != nil {
			return protoerr.Wrap(protoerr.Transport, err)
		}
		m, err := wire.Read(s.conn)
		if err != nil {
			return protoerr.Wrapf(protoerr.Transport, err, "peer: waiting for unchoke from %s", s.addr)
		}
		if m == nil {
			continue
		}
		if err := s.handleMessage(m); err != nil {
			return err
		}
	}
	return nil
}
