package tracker

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lvbealr/gorrent/metainfo"
)

func httpGetRaw(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestAnnounceRoundTripAddsPeerAndReturnsSwarm(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(registry, discardLogger())
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	var ih metainfo.InfoHash
	ih[0] = 0x42

	var seederID [20]byte
	copy(seederID[:], "seeder-0000000000000")
	resp, err := Announce(ts.URL+"/announce", ih, seederID, 6881, 0, 0, 0, "started")
	require.NoError(t, err)
	require.Equal(t, AnnounceInterval, resp.Interval)
	require.Equal(t, 1, resp.Complete) // left=0 counts as a seeder

	var leecherID [20]byte
	copy(leecherID[:], "leecher-00000000000")
	resp2, err := Announce(ts.URL+"/announce", ih, leecherID, 6882, 0, 0, 1000, "started")
	require.NoError(t, err)
	require.Equal(t, 1, resp2.Complete)
	require.Equal(t, 1, resp2.Incomplete)

	addrs, err := ParsePeers(resp2.Peers)
	require.NoError(t, err)
	require.Len(t, addrs, 1) // excludes the requester itself
}

func TestAnnounceStoppedRemovesPeer(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(registry, discardLogger())
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	var ih metainfo.InfoHash
	var peerID [20]byte
	copy(peerID[:], "peer-00000000000000")

	_, err := Announce(ts.URL+"/announce", ih, peerID, 6881, 0, 0, 0, "started")
	require.NoError(t, err)

	_, err = Announce(ts.URL+"/announce", ih, peerID, 6881, 0, 0, 0, "stopped")
	require.NoError(t, err)

	_, ok := registry.Scrape(ih)
	require.False(t, ok)
}

func TestAnnounceStoppedWithoutInfoHashRemovesFromAllSwarms(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(registry, discardLogger())
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	var ih1, ih2 metainfo.InfoHash
	ih2[0] = 0x01
	var peerID [20]byte
	copy(peerID[:], "peer-00000000000000")

	registry.UpdatePeer(ih1, string(peerID[:]), PeerEntry{Port: 1})
	registry.UpdatePeer(ih2, string(peerID[:]), PeerEntry{Port: 1})

	// event=stopped with no info_hash query parameter at all — built
	// directly, since Announce always sends one.
	q := url.Values{}
	q.Set("peer_id", string(peerID[:]))
	q.Set("port", "6881")
	q.Set("event", "stopped")
	body := httpGetRaw(t, ts.URL+"/announce?"+q.Encode())
	require.Contains(t, body, "failure reason")

	_, ok1 := registry.Scrape(ih1)
	_, ok2 := registry.Scrape(ih2)
	require.False(t, ok1)
	require.False(t, ok2)
}

func TestScrapeWithNoInfoHashCoversEveryTorrent(t *testing.T) {
	registry := NewRegistry()
	var ih1, ih2 metainfo.InfoHash
	ih2[0] = 0x02
	registry.UpdatePeer(ih1, "a", PeerEntry{Left: 0})
	registry.UpdatePeer(ih2, "b", PeerEntry{Left: 10})

	srv := NewServer(registry, discardLogger())
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	resp := httpGetRaw(t, ts.URL+"/scrape")
	require.Contains(t, resp, "files")
	require.Contains(t, resp, "20:"+string(ih1[:]))
	require.Contains(t, resp, "20:"+string(ih2[:]))
}

func TestPingEndpointReportsOfflineWhenNothingListens(t *testing.T) {
	registry := NewRegistry()
	srv := NewServer(registry, discardLogger())
	ts := httptest.NewServer(srv.Engine())
	defer ts.Close()

	body := httpGetRaw(t, ts.URL+"/ping?peer_ip=127.0.0.1&peer_port=1")
	require.Contains(t, body, "offline") // nothing listens on port 1
}
