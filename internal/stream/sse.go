// Package stream implements Server-Sent Events (SSE) streaming of replay
// state for display clients. Clients connect via GET /api/v1/stream/replay
// and receive an event whenever the replay state or the published scan
// changes.
//
// Events are named and JSON encoded:
//
//	event: metadata
//	data: {"type":"metadata","session":"...","catalog_version":3,"catalog_age_seconds":1800}
//
//	event: replay_state
//	id: <session>/<version>
//	data: {"type":"replay_state","state":{"session":"...","version":7,...}}
//
//	event: scan_complete
//	id: <scan id>
//	data: {"type":"scan_complete","scan_id":"...","events":12,...}
//
// metadata always comes first. Keepalive comments are sent every
// KeepaliveInterval without other traffic. Reconnecting clients receive a
// fresh metadata event and the current state on each connection.
package stream

import (
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orbitguard/internal/engine"
	"github.com/star/orbitguard/internal/httputil"
	"github.com/star/orbitguard/internal/metrics"
	"github.com/star/orbitguard/internal/replay"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	Interval           time.Duration // State poll cadence (default: 250ms).
	MaxStreams         int           // Cap across all clients; zero uses 1000.
	TrustProxy         bool          // Use X-Forwarded-For for the per-IP limit.
}

// ReplaySource publishes the current replay state.
type ReplaySource interface {
	State() *replay.State
}

// ScanSource publishes the most recent completed scan.
type ScanSource interface {
	Latest() *engine.ScanResult
	Summary() engine.Summary
}

// Handler manages SSE streaming connections.
type Handler struct {
	replay  ReplaySource
	scans   ScanSource
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler. scans may be nil.
func NewHandler(rs ReplaySource, scans ScanSource, config Config, logger *slog.Logger) *Handler {
	return &Handler{
		replay:  rs,
		scans:   scans,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxStreams),
		logger:  logger,
	}
}

// HandleReplay serves the SSE replay stream.
// GET /api/v1/stream/replay?objects=false
func (h *Handler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	withObjects := true
	switch r.URL.Query().Get("objects") {
	case "", "true", "1":
	case "false", "0":
		withObjects = false
	default:
		httputil.WriteError(w, http.StatusBadRequest, "invalid objects parameter, must be true or false")
		return
	}

	// Rate limiting: enforce concurrent stream limit per IP.
	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if reason := h.limiter.acquire(ip); reason != "" {
		h.logger.Warn("stream limit exceeded",
			"remote_ip", ip,
			"limit", reason,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.StreamClientConnected()
	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
	)

	var c *client
	defer func() {
		h.limiter.release(ip)
		metrics.StreamClientDisconnected()
		attrs := []any{
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		}
		if c != nil {
			attrs = append(attrs, "messages_sent", c.total(), "events", c.sent, "bytes_sent", c.bytesSent)
		}
		h.logger.Info("stream disconnected", attrs...)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's default WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c = newClient(w, flusher, rc, h.logger)

	// Jittered retry interval (3-7s) so restarts do not reconnect every
	// client at once.
	if err := c.retry(3*time.Second + time.Duration(rand.Int64N(int64(4*time.Second)))); err != nil {
		return
	}

	state := h.replay.State()
	if err := c.send("metadata", "", h.metadata(state)); err != nil {
		h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
		return
	}

	var (
		lastSession string
		lastVersion uint64
		lastScan    *engine.ScanResult
		sentState   bool
	)
	if h.scans != nil {
		// Only scans that complete after connecting are announced.
		lastScan = h.scans.Latest()
	}

	send := func() error {
		st := h.replay.State()
		if st != nil && (!sentState || st.Session != lastSession || st.Version != lastVersion) {
			id := st.Session + "/" + strconv.FormatUint(st.Version, 10)
			if err := c.send("replay_state", id, stateMessage{Type: "replay_state", State: st.View(withObjects)}); err != nil {
				return err
			}
			lastSession, lastVersion, sentState = st.Session, st.Version, true
		}
		if h.scans != nil {
			if scan := h.scans.Latest(); scan != nil && scan != lastScan {
				if err := c.send("scan_complete", scan.ID, buildScanMessage(scan)); err != nil {
					return err
				}
				lastScan = scan
			}
		}
		return nil
	}
	if err := send(); err != nil {
		h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
		return
	}

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			sent := c.total()
			if err := send(); err != nil {
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			if c.total() != sent {
				keepaliveTicker.Reset(h.config.KeepaliveInterval)
			}

		case <-keepaliveTicker.C:
			if err := c.comment("keepalive"); err != nil {
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

func (h *Handler) metadata(st *replay.State) metadataMessage {
	m := metadataMessage{Type: "metadata"}
	if st != nil {
		m.Session = st.Session
	}
	if h.scans != nil {
		sum := h.scans.Summary()
		m.CatalogVersion = sum.CatalogVersion
		m.CatalogObjects = sum.CatalogObjects
		if !sum.CatalogFetchedAt.IsZero() {
			m.CatalogAge = int(time.Since(sum.CatalogFetchedAt).Seconds())
		}
	}
	return m
}

// buildScanMessage summarizes a completed scan for the stream.
func buildScanMessage(s *engine.ScanResult) scanMessage {
	byTier := make(map[string]int)
	for tier, n := range s.CountByTier() {
		byTier[tier.String()] = n
	}
	return scanMessage{
		Type:           "scan_complete",
		ScanID:         s.ID,
		CatalogVersion: s.CatalogVersion,
		Finished:       replay.UnixSeconds(s.Finished),
		Events:         len(s.Events),
		EventsByTier:   byTier,
		LowConfidence:  s.LowConfidence,
	}
}

// SSE message payload types.

type metadataMessage struct {
	Type           string `json:"type"`
	Session        string `json:"session"`
	CatalogVersion uint64 `json:"catalog_version"`
	CatalogObjects int    `json:"catalog_objects"`
	CatalogAge     int    `json:"catalog_age_seconds"`
}

type stateMessage struct {
	Type  string      `json:"type"`
	State replay.View `json:"state"`
}

type scanMessage struct {
	Type           string         `json:"type"`
	ScanID         string         `json:"scan_id"`
	CatalogVersion uint64         `json:"catalog_version"`
	Finished       float64        `json:"finished"`
	Events         int            `json:"events"`
	EventsByTier   map[string]int `json:"events_by_tier"`
	LowConfidence  int            `json:"low_confidence"`
}
