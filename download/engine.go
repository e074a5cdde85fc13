// Package download implements the work-queue/worker-pool piece
// downloader: one worker per peer competing on a shared FIFO of
// pieces, publishing verified pieces to a results queue that the
// assembler drains.
package download

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/lvbealr/gorrent/internal/protoerr"
	"github.com/lvbealr/gorrent/metainfo"
	"github.com/lvbealr/gorrent/peer"
)

// pieceWork is one unit of the shared work queue.
type pieceWork struct {
	index  int
	length int
	hash   [20]byte
}

// pieceResult is a verified piece ready for assembly.
type pieceResult struct {
	index int
	data  []byte
}

// idleRetryInterval is how long a worker waits before re-checking the
// work queue after finding it momentarily empty (every outstanding
// piece currently checked out by another worker).
const idleRetryInterval = 50 * time.Millisecond

// Engine coordinates the peer workers for a single torrent's
// download. verifiedCount is per-torrent per spec.md §9's resolved
// open question — a multi-torrent controller must never let one
// torrent's completion be masked by another's.
type Engine struct {
	mi       *metainfo.Metainfo
	infoHash [20]byte
	localID  [20]byte

	verifiedCount int32

	log *logrus.Entry
	bar *progressbar.ProgressBar
}

// NewEngine builds an Engine for mi. bar may be nil to disable
// progress reporting (e.g. under test).
func NewEngine(mi *metainfo.Metainfo, infoHash, localID [20]byte, log *logrus.Entry, bar *progressbar.ProgressBar) *Engine {
	return &Engine{mi: mi, infoHash: infoHash, localID: localID, log: log, bar: bar}
}

// VerifiedCount reports how many pieces have been verified so far.
func (e *Engine) VerifiedCount() int { return int(atomic.LoadInt32(&e.verifiedCount)) }

// Complete reports whether every piece has been verified.
func (e *Engine) Complete() bool { return e.VerifiedCount() >= e.mi.NumPieces() }

// maxConsecutiveFailures bounds how many framing errors in a row a
// worker tolerates from the same peer before giving up on it, per
// spec §4.4's "repeated framing errors" close condition.
const maxConsecutiveFailures = 3

// Run spawns one worker per session in sessions, downloads every
// piece via the shared work queue, and assembles the result into
// outputDir. It returns once every piece is verified and written, or
// an error if the queue could not be drained (every worker exited
// with pieces still outstanding). stop is checked cooperatively by
// every worker between iterations (spec §5) and also force-closes any
// session blocked mid-piece, so closing it makes Run return within
// the stop contract's budget (spec §8 scenario 6) instead of running
// the download to completion.
func (e *Engine) Run(sessions []*peer.Session, outputDir string, stop <-chan struct{}) error {
	assembler, err := NewAssembler(e.mi, outputDir)
	if err != nil {
		return err
	}
	defer assembler.Close()

	// Buffered to NumPieces: every piece is represented exactly once
	// across the queue and the workers currently holding it, so a
	// worker re-enqueueing a piece it couldn't use never blocks.
	work := make(chan pieceWork, e.mi.NumPieces())
	for i := 0; i < e.mi.NumPieces(); i++ {
		begin, end := e.mi.PieceBounds(i)
		work <- pieceWork{index: i, length: int(end - begin), hash: e.mi.PieceHashes[i]}
	}

	results := make(chan pieceResult, e.mi.NumPieces())

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *peer.Session) {
			defer wg.Done()
			e.runWorker(s, work, results, stop)
		}(s)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	collected := make(map[int][]byte)
	for r := range results {
		collected[r.index] = r.data
		if e.bar != nil {
			e.bar.Add(1)
		}
	}

	select {
	case <-stop:
		return errStopped{}
	default:
	}

	if len(collected) != e.mi.NumPieces() {
		return protoerr.Wrapf(protoerr.Transport, errIncomplete{got: len(collected), want: e.mi.NumPieces()},
			"download: incomplete")
	}

	return assembler.WriteBatch(collected)
}

type errIncomplete struct{ got, want int }

func (errIncomplete) Error() string { return "download incomplete" }

type errStopped struct{}

func (errStopped) Error() string { return "download: stopped" }

// isFatalTransport reports whether err represents an actual connection
// loss rather than an ordinary per-message read/write timeout. An
// isolated MessageTimeout must not close the session (spec §4.4); only
// a non-timeout transport failure (closed connection, reset, etc.) does.
func isFatalTransport(err error) bool {
	if !protoerr.Is(err, protoerr.Transport) {
		return false
	}
	var netErr net.Error
	if errors.As(errors.Cause(err), &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

// runWorker repeatedly pulls a piece off the shared work queue and
// attempts it against s, until every piece is verified (spec §4.5),
// stop is closed, or the session itself fails fatally. Pieces the
// remote lacks, or that fail for an ordinary timeout or isolated
// protocol hiccup, go back on the same shared queue for another worker
// (or this one, later) to try; only a genuine connection loss or a run
// of consecutive framing errors ends this worker's session (§4.4).
func (e *Engine) runWorker(s *peer.Session, work chan pieceWork, results chan<- pieceResult, stop <-chan struct{}) {
	log := e.log.WithField("peer", s.Addr())
	defer s.Close()

	// A worker blocked inside DownloadPiece is waiting on a network
	// read that won't see stop until its own timeout elapses, which can
	// be longer than the ≤2s stop contract (spec §8 scenario 6) allows.
	// Force-closing the session the instant stop fires unblocks that
	// read immediately; runWorker then observes the resulting error,
	// re-queues the piece, and returns, same as any other connection
	// loss. This generalizes the original's settimeout-and-poll
	// acceptor loop, which never had to interrupt an in-flight transfer.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-stop:
			s.Close()
		case <-watchdogDone:
		}
	}()

	if err := s.AwaitReady(e.mi.NumPieces()); err != nil {
		log.WithError(err).Warn("peer session failed to become ready")
		return
	}

	consecutiveFailures := 0

	for {
		select {
		case <-stop:
			return
		default:
		}

		if e.Complete() {
			s.SendNotInterested()
			return
		}

		var w pieceWork
		select {
		case <-stop:
			return
		case w = <-work:
		default:
			if e.Complete() {
				s.SendNotInterested()
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(idleRetryInterval):
			}
			continue
		}

		if !s.HasPiece(w.index) {
			work <- w
			continue
		}

		data, err := s.DownloadPiece(w.index, w.length, w.hash)
		if err != nil {
			log.WithError(err).WithField("piece", w.index).Debug("piece download failed, retrying")
			work <- w

			if isFatalTransport(err) {
				return
			}
			if protoerr.Is(err, protoerr.Protocol) {
				consecutiveFailures++
				if consecutiveFailures >= maxConsecutiveFailures {
					return
				}
				continue
			}

			consecutiveFailures = 0
			continue
		}

		consecutiveFailures = 0
		atomic.AddInt32(&e.verifiedCount, 1)
		results <- pieceResult{index: w.index, data: data}
	}
}
