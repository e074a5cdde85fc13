package tracker

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/gorrent/metainfo"
)

func TestRegistryUpdateAndCounts(t *testing.T) {
	r := NewRegistry()
	var ih metainfo.InfoHash

	r.UpdatePeer(ih, "peerA", PeerEntry{IP: net.ParseIP("10.0.0.1"), Port: 6881, Left: 0})
	r.UpdatePeer(ih, "peerB", PeerEntry{IP: net.ParseIP("10.0.0.2"), Port: 6882, Left: 100})

	complete, incomplete := r.Counts(ih)
	assert.Equal(t, 1, complete)
	assert.Equal(t, 1, incomplete)
}

func TestRegistryCompactPeersExcludesSelf(t *testing.T) {
	r := NewRegistry()
	var ih metainfo.InfoHash

	r.UpdatePeer(ih, "peerA", PeerEntry{IP: net.ParseIP("10.0.0.1"), Port: 6881})
	r.UpdatePeer(ih, "peerB", PeerEntry{IP: net.ParseIP("10.0.0.2"), Port: 6882})

	peers := r.CompactPeers(ih, "peerA")
	require.Len(t, peers, 6)
	assert.Equal(t, []byte{10, 0, 0, 2, 0x1A, 0xE2}, peers)
}

func TestRegistryRemovePeerPrunesEmptySwarm(t *testing.T) {
	r := NewRegistry()
	var ih metainfo.InfoHash

	r.UpdatePeer(ih, "peerA", PeerEntry{IP: net.ParseIP("10.0.0.1"), Port: 6881})
	r.RemovePeer(ih, "peerA")

	_, ok := r.Scrape(ih)
	assert.False(t, ok)
}

func TestRegistryRemovePeerFromAllTouchesEverySwarm(t *testing.T) {
	r := NewRegistry()
	var ih1, ih2 metainfo.InfoHash
	ih2[0] = 0x01

	r.UpdatePeer(ih1, "peerA", PeerEntry{IP: net.ParseIP("10.0.0.1"), Port: 1})
	r.UpdatePeer(ih2, "peerA", PeerEntry{IP: net.ParseIP("10.0.0.1"), Port: 1})

	r.RemovePeerFromAll("peerA")

	_, ok1 := r.Scrape(ih1)
	_, ok2 := r.Scrape(ih2)
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestRegistryScrapeAllCoversEveryTorrent(t *testing.T) {
	r := NewRegistry()
	var ih1, ih2 metainfo.InfoHash
	ih2[0] = 0x01

	r.UpdatePeer(ih1, "peerA", PeerEntry{IP: net.ParseIP("10.0.0.1"), Port: 1, Left: 0})
	r.UpdatePeer(ih2, "peerB", PeerEntry{IP: net.ParseIP("10.0.0.2"), Port: 2, Left: 5})

	all := r.ScrapeAll()
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[ih1].Complete)
	assert.Equal(t, 1, all[ih2].Incomplete)
}

func TestRegistryPingAllReportsReachability(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte("pong"))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	r := NewRegistry()
	var ih metainfo.InfoHash
	r.UpdatePeer(ih, "peerA", PeerEntry{IP: net.ParseIP(host), Port: uint16(port)})

	results := r.PingAll(2 * time.Second)
	assert.True(t, results["peerA"])
}
