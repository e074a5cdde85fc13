// Package tracker implements the announce/scrape/ping tracker surface
// described in spec §6: an in-memory swarm registry, its HTTP
// presentation over gin, and the client-side announce call peers use
// to reach it.
package tracker

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lvbealr/gorrent/metainfo"
)

// PeerEntry is one peer's last-reported state within a torrent's swarm.
type PeerEntry struct {
	IP         net.IP
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string
	UpdatedAt  time.Time
}

// ScrapeEntry summarizes one torrent's swarm for /scrape, mirroring
// client_list.get_scrape_info's per-torrent dict.
type ScrapeEntry struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// Registry is the tracker's in-memory swarm state: info_hash -> peer_id
// -> PeerEntry, the Go counterpart of the original's ClientList.
type Registry struct {
	mu     sync.RWMutex
	swarms map[metainfo.InfoHash]map[string]PeerEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{swarms: make(map[metainfo.InfoHash]map[string]PeerEntry)}
}

// UpdatePeer records or refreshes one peer's entry within infoHash's
// swarm.
func (r *Registry) UpdatePeer(infoHash metainfo.InfoHash, peerID string, entry PeerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	swarm, ok := r.swarms[infoHash]
	if !ok {
		swarm = make(map[string]PeerEntry)
		r.swarms[infoHash] = swarm
	}
	swarm[peerID] = entry
}

// RemovePeer drops peerID from infoHash's swarm, pruning the swarm
// entirely once it is empty.
func (r *Registry) RemovePeer(infoHash metainfo.InfoHash, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	swarm, ok := r.swarms[infoHash]
	if !ok {
		return
	}
	delete(swarm, peerID)
	if len(swarm) == 0 {
		delete(r.swarms, infoHash)
	}
}

// RemovePeerFromAll drops peerID from every torrent's swarm — the
// behavior an `event=stopped` announce with no `info_hash` resolves to
// (spec §9, decided in DESIGN.md's Open Questions).
func (r *Registry) RemovePeerFromAll(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for infoHash, swarm := range r.swarms {
		delete(swarm, peerID)
		if len(swarm) == 0 {
			delete(r.swarms, infoHash)
		}
	}
}

func completeCount(swarm map[string]PeerEntry) int {
	n := 0
	for _, p := range swarm {
		if p.Left == 0 {
			n++
		}
	}
	return n
}

// Counts returns the seeder/leecher split for infoHash's swarm.
func (r *Registry) Counts(infoHash metainfo.InfoHash) (complete, incomplete int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	swarm := r.swarms[infoHash]
	complete = completeCount(swarm)
	incomplete = len(swarm) - complete
	return complete, incomplete
}

// CompactPeers returns the compact (4-byte IP + 2-byte port, per peer)
// encoding of infoHash's swarm, skipping excludePeerID so a peer never
// receives itself back in an announce response.
func (r *Registry) CompactPeers(infoHash metainfo.InfoHash, excludePeerID string) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	swarm := r.swarms[infoHash]
	buf := make([]byte, 0, len(swarm)*6)
	for peerID, p := range swarm {
		if peerID == excludePeerID {
			continue
		}
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, ip4...)
		buf = append(buf, byte(p.Port>>8), byte(p.Port&0xFF))
	}
	return buf
}

// Scrape reports infoHash's ScrapeEntry, or false if it is unknown.
func (r *Registry) Scrape(infoHash metainfo.InfoHash) (ScrapeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	swarm, ok := r.swarms[infoHash]
	if !ok {
		return ScrapeEntry{}, false
	}
	complete := completeCount(swarm)
	return ScrapeEntry{Complete: complete, Incomplete: len(swarm) - complete, Downloaded: len(swarm)}, true
}

// ScrapeAll returns a ScrapeEntry per tracked torrent, matching
// client_list.get_scrape_info(None)'s behavior of iterating every
// known info-hash when none is given (resolved open question, §13.3).
func (r *Registry) ScrapeAll() map[metainfo.InfoHash]ScrapeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[metainfo.InfoHash]ScrapeEntry, len(r.swarms))
	for infoHash, swarm := range r.swarms {
		complete := completeCount(swarm)
		out[infoHash] = ScrapeEntry{Complete: complete, Incomplete: len(swarm) - complete, Downloaded: len(swarm)}
	}
	return out
}

// PingAll probes every distinct peer registered across every swarm and
// reports, by peer id, whether it answered — the Go counterpart of the
// original CLI's interactive `ping` command (spec §12).
func (r *Registry) PingAll(timeout time.Duration) map[string]bool {
	type target struct {
		peerID, host string
		port         uint16
	}

	r.mu.RLock()
	seen := make(map[string]bool)
	var targets []target
	for _, swarm := range r.swarms {
		for peerID, p := range swarm {
			if seen[peerID] {
				continue
			}
			seen[peerID] = true
			targets = append(targets, target{peerID: peerID, host: p.IP.String(), port: p.Port})
		}
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(targets))
	for _, tgt := range targets {
		addr := net.JoinHostPort(tgt.host, strconv.Itoa(int(tgt.port)))
		results[tgt.peerID] = Ping(addr, timeout)
	}
	return results
}
