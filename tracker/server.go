package tracker

import (
	"bytes"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"

	"github.com/lvbealr/gorrent/metainfo"
)

// AnnounceInterval is the number of seconds an announce response asks
// clients to wait before reannouncing, matching the original's
// TRACKER_INTERVAL.
const AnnounceInterval = 1800

const pingTimeout = 5 * time.Second

// Server is the gin-based HTTP presentation of a Registry, grounded on
// modasi-mika/http/announce.go's handler shape: one route per concern,
// query binding via `form:"..."` tags, bencoded bodies.
type Server struct {
	registry *Registry
	log      *logrus.Entry
	engine   *gin.Engine
}

// NewServer wires /announce, /scrape, and /ping onto a fresh gin
// engine backed by registry.
func NewServer(registry *Registry, log *logrus.Entry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	srv := &Server{registry: registry, log: log, engine: engine}
	engine.GET("/announce", srv.handleAnnounce)
	engine.GET("/scrape", srv.handleScrape)
	engine.GET("/ping", srv.handlePing)
	return srv
}

// Engine exposes the underlying gin.Engine for Run/http.Server wiring.
func (s *Server) Engine() *gin.Engine { return s.engine }

// requestLogger feeds gin's request-scoped timing into the shared
// logrus instance instead of gin's default writer.
func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("tracker request")
	}
}

type announceRequest struct {
	InfoHash   string `form:"info_hash"`
	PeerID     string `form:"peer_id"`
	Port       uint16 `form:"port"`
	Uploaded   int64  `form:"uploaded"`
	Downloaded int64  `form:"downloaded"`
	Left       int64  `form:"left"`
	Event      string `form:"event"`
}

// handleAnnounce mirrors tracker_server.py's handle_announce: a
// missing peer_id/port is a hard 400, a missing info_hash still
// updates/removes swarm membership for a `stopped` event but always
// answers with a bencoded failure reason, and any other info_hash not
// exactly 20 bytes (after gin's automatic percent-decoding) is a 400.
func (s *Server) handleAnnounce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.String(http.StatusBadRequest, "Malformed request")
		return
	}
	if req.PeerID == "" || req.Port == 0 {
		c.String(http.StatusBadRequest, "Missing required parameters")
		return
	}

	haveInfoHash := req.InfoHash != ""
	var infoHash metainfo.InfoHash
	if haveInfoHash {
		if len(req.InfoHash) != 20 {
			c.String(http.StatusBadRequest, "Invalid info_hash encoding")
			return
		}
		copy(infoHash[:], req.InfoHash)
	}

	switch req.Event {
	case "stopped":
		if haveInfoHash {
			s.registry.RemovePeer(infoHash, req.PeerID)
		} else {
			s.registry.RemovePeerFromAll(req.PeerID)
		}
	default:
		if haveInfoHash {
			s.registry.UpdatePeer(infoHash, req.PeerID, PeerEntry{
				IP:         net.ParseIP(c.ClientIP()),
				Port:       req.Port,
				Uploaded:   req.Uploaded,
				Downloaded: req.Downloaded,
				Left:       req.Left,
				Event:      req.Event,
				UpdatedAt:  time.Now(),
			})
		}
	}

	if !haveInfoHash {
		writeBencode(c, map[string]interface{}{"failure reason": "no info_hash parameter supplied"})
		return
	}

	complete, incomplete := s.registry.Counts(infoHash)
	peers := s.registry.CompactPeers(infoHash, req.PeerID)
	writeBencode(c, map[string]interface{}{
		"interval":   AnnounceInterval,
		"complete":   complete,
		"incomplete": incomplete,
		"peers":      string(peers),
	})
}

type scrapeRequest struct {
	InfoHash string `form:"info_hash"`
}

// handleScrape answers with every tracked torrent's stats when
// info_hash is omitted (§13.3), or one torrent's stats otherwise.
func (s *Server) handleScrape(c *gin.Context) {
	var req scrapeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.String(http.StatusBadRequest, "Malformed request")
		return
	}

	files := map[string]interface{}{}
	if req.InfoHash == "" {
		for infoHash, entry := range s.registry.ScrapeAll() {
			files[string(infoHash[:])] = scrapeEntryDict(entry)
		}
	} else {
		if len(req.InfoHash) != 20 {
			c.String(http.StatusBadRequest, "Invalid info_hash encoding")
			return
		}
		var infoHash metainfo.InfoHash
		copy(infoHash[:], req.InfoHash)
		if entry, ok := s.registry.Scrape(infoHash); ok {
			files[string(infoHash[:])] = scrapeEntryDict(entry)
		}
	}

	writeBencode(c, map[string]interface{}{"files": files})
}

func scrapeEntryDict(e ScrapeEntry) map[string]interface{} {
	return map[string]interface{}{
		"complete":   e.Complete,
		"incomplete": e.Incomplete,
		"downloaded": e.Downloaded,
	}
}

type pingRequest struct {
	PeerIP   string `form:"peer_ip"`
	PeerPort uint16 `form:"peer_port"`
}

// handlePing probes one registered client's listener directly, the
// HTTP-triggered counterpart of Registry.PingAll (spec §12).
func (s *Server) handlePing(c *gin.Context) {
	var req pingRequest
	if err := c.ShouldBindQuery(&req); err != nil || req.PeerIP == "" || req.PeerPort == 0 {
		c.String(http.StatusBadRequest, "Missing required parameters")
		return
	}

	addr := net.JoinHostPort(req.PeerIP, strconv.Itoa(int(req.PeerPort)))
	if Ping(addr, pingTimeout) {
		c.String(http.StatusOK, "Client is online")
		return
	}
	c.String(http.StatusInternalServerError, "Client is offline")
}

func writeBencode(c *gin.Context, dict map[string]interface{}) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		c.String(http.StatusInternalServerError, "encode error")
		return
	}
	c.Data(http.StatusOK, "text/plain", buf.Bytes())
}
