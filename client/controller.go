// Package client implements the lifecycle a user actually drives: load
// a torrent or magnet, announce to one or more trackers, download or
// seed its content, and tear the transfer down again. It is the Go
// counterpart of the original's ClientNode, generalized to manage many
// torrents at once instead of one (spec.md §9's open question on
// downloaded-pieces scope, resolved per-torrent in SPEC_FULL.md §13).
package client

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/lvbealr/gorrent/download"
	"github.com/lvbealr/gorrent/internal/protoerr"
	"github.com/lvbealr/gorrent/metainfo"
	"github.com/lvbealr/gorrent/peer"
	"github.com/lvbealr/gorrent/tracker"
	"github.com/lvbealr/gorrent/upload"
)

// dialConcurrency bounds simultaneous outbound handshakes, mirroring
// the teacher's ConnectToPeers semaphore.
const dialConcurrency = 10

// refreshInterval is the fallback reannounce period used when a
// tracker response carries no interval (most do, via AnnounceInterval).
const refreshInterval = 30 * time.Second

// torrentState is everything the controller tracks for one active
// torrent, downloading or seeding.
type torrentState struct {
	mi        *metainfo.Metainfo
	trackers  []string
	outputDir string

	engine   *download.Engine // non-nil while downloading
	uploader *upload.Server   // non-nil while seeding
	listener net.Listener     // non-nil while seeding

	stop chan struct{} // closed by Stop to end the reannounce loop
}

// Controller owns every torrent a single process is participating in.
// Unlike the original's ClientNode (one transfer, one global stop
// event) it manages an arbitrary number concurrently, each with its
// own stop signal (SPEC_FULL.md §13, decision 2).
type Controller struct {
	localID [20]byte
	log     *logrus.Entry

	mu     sync.Mutex
	active map[metainfo.InfoHash]*torrentState
}

// NewController builds a Controller identified by localID on the wire
// (see internal/peerid.New).
func NewController(localID [20]byte, log *logrus.Entry) *Controller {
	return &Controller{
		localID: localID,
		log:     log,
		active:  make(map[metainfo.InfoHash]*torrentState),
	}
}

// Trackers collects every announce URL a torrent carries: the primary
// `announce` key plus every tier of `announce-list`, deduplicated and
// order-preserving, so a magnet's extra `tr=` parameters (appended by
// the caller) are tried as fallovers too (SPEC_FULL.md §12).
func Trackers(mi *metainfo.Metainfo, extra ...string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	for _, u := range extra {
		add(u)
	}
	return out
}

// announce tries every tracker in order, falling over to the next on
// a Tracker-kind error (unreachable tracker, non-200, bencoded failure
// reason) and stopping at the first one that answers.
func (c *Controller) announce(trackers []string, infoHash metainfo.InfoHash, port uint16, uploaded, downloaded, left int64, event string) (*tracker.Response, error) {
	var lastErr error
	for _, url := range trackers {
		resp, err := tracker.Announce(url, infoHash, c.localID, port, uploaded, downloaded, left, event)
		if err == nil {
			return resp, nil
		}
		if protoerr.Is(err, protoerr.Tracker) {
			c.log.WithError(err).WithField("tracker", url).Warn("tracker announce failed, trying next")
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// dialPeers performs handshakes with every address concurrently,
// bounded by dialConcurrency, and returns the sessions that succeeded.
// Addresses that refuse the connection or fail the handshake are
// simply dropped, same as the teacher's ConnectToPeers.
func dialPeers(addrs []string, infoHash, localID [20]byte, log *logrus.Entry) []*peer.Session {
	sem := make(chan struct{}, dialConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	sessions := make([]*peer.Session, 0, len(addrs))

	for _, addr := range addrs {
		wg.Add(1)
		sem <- struct{}{}
		go func(addr string) {
			defer func() { <-sem; wg.Done() }()
			s, err := peer.Dial(addr, infoHash, localID, true, log)
			if err != nil {
				log.WithError(err).WithField("addr", addr).Debug("peer dial failed")
				return
			}
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	return sessions
}

// Download runs one torrent's download to completion against the peer
// list of the first tracker that answers, verifying and writing every
// piece to outputDir.
// On success it announces event=completed before returning.
func (c *Controller) Download(mi *metainfo.Metainfo, trackers []string, outputDir string, listenPort uint16) error {
	infoHash := mi.InfoHash
	log := c.log.WithField("torrent", mi.Info.Name)

	resp, err := c.announce(trackers, infoHash, listenPort, 0, 0, mi.TotalLength(), "started")
	if err != nil {
		return err
	}

	addrs, err := tracker.ParsePeers(resp.Peers)
	if err != nil {
		return protoerr.Wrap(protoerr.Tracker, err)
	}
	log.WithField("count", len(addrs)).Info("got peers from tracker")

	sessions := dialPeers(addrs, infoHash, c.localID, log)
	if len(sessions) == 0 {
		return protoerr.Wrapf(protoerr.Transport, errNoPeers{}, "client: %s", mi.Info.Name)
	}

	bar := progressbar.NewOptions(mi.NumPieces(),
		progressbar.OptionSetDescription(mi.Info.Name),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	engine := download.NewEngine(mi, infoHash, c.localID, log, bar)

	state := &torrentState{mi: mi, trackers: trackers, outputDir: outputDir, engine: engine, stop: make(chan struct{})}
	c.mu.Lock()
	c.active[infoHash] = state
	c.mu.Unlock()

	runErr := engine.Run(sessions, outputDir, state.stop)

	if runErr == nil {
		if _, err := c.announce(trackers, infoHash, listenPort, 0, mi.TotalLength(), 0, "completed"); err != nil {
			log.WithError(err).Warn("failed to announce completion")
		}
	}

	return runErr
}

type errNoPeers struct{}

func (errNoPeers) Error() string { return "client: no peers reachable" }

// Seed announces a complete torrent as a seeder and serves inbound
// peer connections on listenPort until Stop is called for this
// info-hash. sourceDir must already hold the torrent's verified
// content.
func (c *Controller) Seed(mi *metainfo.Metainfo, trackers []string, sourceDir string, listenPort uint16) error {
	infoHash := mi.InfoHash
	log := c.log.WithField("torrent", mi.Info.Name)

	uploader, err := upload.NewServer(mi, sourceDir, infoHash, c.localID, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(int(listenPort))))
	if err != nil {
		uploader.Close()
		return protoerr.Wrap(protoerr.Transport, err)
	}

	if _, err := c.announce(trackers, infoHash, listenPort, mi.TotalLength(), 0, 0, "completed"); err != nil {
		ln.Close()
		uploader.Close()
		return err
	}

	state := &torrentState{
		mi:        mi,
		trackers:  trackers,
		outputDir: sourceDir,
		uploader:  uploader,
		listener:  ln,
		stop:      make(chan struct{}),
	}
	c.mu.Lock()
	c.active[infoHash] = state
	c.mu.Unlock()

	go func() {
		if err := uploader.Serve(ln); err != nil {
			log.WithError(err).Debug("upload server stopped")
		}
	}()
	go c.reannounceLoop(state, listenPort)

	return nil
}

// reannounceLoop periodically re-contacts the trackers so the swarm
// keeps seeing this peer, stopping as soon as state.stop is closed
// (mirrors the teacher's RefreshPeer, but scoped to one torrent
// instead of running for the process lifetime).
func (c *Controller) reannounceLoop(state *torrentState, listenPort uint16) {
	interval := refreshInterval
	for {
		select {
		case <-state.stop:
			return
		case <-time.After(interval):
		}

		resp, err := c.announce(state.trackers, state.mi.InfoHash, listenPort, state.mi.TotalLength(), 0, 0, "")
		if err != nil {
			c.log.WithError(err).WithField("torrent", state.mi.Info.Name).Warn("reannounce failed")
			continue
		}
		if resp.Interval > 0 {
			interval = time.Duration(resp.Interval) * time.Second
		}
	}
}

// Stop announces event=stopped for infoHash, tears down its listener
// (if it was seeding), and forgets the torrent. Stopping one torrent
// never touches another torrent's listener or reannounce loop
// (SPEC_FULL.md §13, decision 2).
func (c *Controller) Stop(infoHash metainfo.InfoHash, listenPort uint16) error {
	c.mu.Lock()
	state, ok := c.active[infoHash]
	if ok {
		delete(c.active, infoHash)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	close(state.stop)
	if state.listener != nil {
		state.listener.Close()
	}
	if state.uploader != nil {
		state.uploader.Close()
	}

	_, err := c.announce(state.trackers, infoHash, listenPort, 0, 0, 0, "stopped")
	return err
}

// Remove stops infoHash (if active) and forgets it. Controller keeps
// no separate "stopped but retained" bookkeeping — spec §6 persists
// only the assembler's output files and the torrent file itself, no
// transfer state — so remove and stop converge on the same teardown;
// CLI remove is still wired through its own method so a future
// on-disk torrent registry can diverge the two without an API change.
func (c *Controller) Remove(infoHash metainfo.InfoHash, listenPort uint16) error {
	return c.Stop(infoHash, listenPort)
}

// Progress reports the verified-piece count of every torrent currently
// downloading, keyed by info-hash. Seeding-only torrents (no engine)
// are omitted. This aggregation is for display only — completion is
// always decided per-torrent by download.Engine.Complete, never summed
// across torrents (SPEC_FULL.md §13, decision 1).
func (c *Controller) Progress() map[metainfo.InfoHash]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[metainfo.InfoHash]int, len(c.active))
	for ih, state := range c.active {
		if state.engine != nil {
			out[ih] = state.engine.VerifiedCount()
		}
	}
	return out
}
