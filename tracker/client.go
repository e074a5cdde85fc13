package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"github.com/lvbealr/gorrent/internal/protoerr"
	"github.com/lvbealr/gorrent/metainfo"
)

const announceTimeout = 15 * time.Second

// Response is the decoded bencoded body of an /announce reply.
type Response struct {
	Failure    string `bencode:"failure reason"`
	Interval   int    `bencode:"interval"`
	Complete   int    `bencode:"complete"`
	Incomplete int    `bencode:"incomplete"`
	Peers      string `bencode:"peers"`
}

// Announce sends one HTTP GET to announceURL and decodes the
// response, the client-side mirror of Server.handleAnnounce, grounded
// on the teacher's SendHTTPTrackerRequest.
func Announce(announceURL string, infoHash metainfo.InfoHash, peerID [20]byte, port uint16, uploaded, downloaded, left int64, event string) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, protoerr.Wrapf(protoerr.Tracker, err, "tracker: parsing announce url %q", announceURL)
	}

	params := url.Values{}
	params.Set("info_hash", string(infoHash[:]))
	params.Set("peer_id", string(peerID[:]))
	params.Set("port", fmt.Sprintf("%d", port))
	params.Set("uploaded", fmt.Sprintf("%d", uploaded))
	params.Set("downloaded", fmt.Sprintf("%d", downloaded))
	params.Set("left", fmt.Sprintf("%d", left))
	params.Set("compact", "1")
	if event != "" {
		params.Set("event", event)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Tracker, err)
	}
	req.Header.Set("User-Agent", "gorrent/1.0")

	client := &http.Client{Timeout: announceTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, protoerr.Wrapf(protoerr.Tracker, err, "tracker: announcing to %s", u.String())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, protoerr.Wrapf(protoerr.Tracker, errors.Errorf("status %d", resp.StatusCode), "tracker: %s", u.String())
	}

	var out Response
	if err := bencode.Unmarshal(resp.Body, &out); err != nil {
		return nil, protoerr.Wrapf(protoerr.Tracker, err, "tracker: decoding response from %s", u.String())
	}
	if out.Failure != "" {
		return nil, protoerr.Wrapf(protoerr.Tracker, errors.New(out.Failure), "tracker: %s", u.String())
	}

	return &out, nil
}

// ParsePeers decodes a compact peer list (4-byte IP + 2-byte port,
// repeated) into "host:port" addresses, mirroring the teacher's
// TorrentFile.ParsePeers.
func ParsePeers(peers string) ([]string, error) {
	b := []byte(peers)
	if len(b)%6 != 0 {
		return nil, errors.Errorf("tracker: invalid compact peers length %d", len(b))
	}

	addrs := make([]string, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3]).String()
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		addrs = append(addrs, net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	}
	return addrs, nil
}
