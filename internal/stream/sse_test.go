package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/star/orbitguard/internal/conjunction"
	"github.com/star/orbitguard/internal/engine"
	"github.com/star/orbitguard/internal/replay"
	"github.com/star/orbitguard/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

var t0 = time.Date(2026, 2, 6, 4, 0, 0, 0, time.UTC)

type fakeReplay struct{ state atomic.Pointer[replay.State] }

func newFakeReplay() *fakeReplay {
	f := &fakeReplay{}
	s := replay.NewState("session-1", t0)
	f.state.Store(&s)
	return f
}

func (f *fakeReplay) State() *replay.State { return f.state.Load() }

func (f *fakeReplay) bump() {
	s := *f.state.Load()
	s.Version++
	s.CurrentTime = s.CurrentTime.Add(time.Minute)
	f.state.Store(&s)
}

type fakeScans struct {
	latest atomic.Pointer[engine.ScanResult]
}

func (f *fakeScans) Latest() *engine.ScanResult { return f.latest.Load() }

func (f *fakeScans) Summary() engine.Summary {
	return engine.Summary{CatalogVersion: 3, CatalogObjects: 2, CatalogFetchedAt: time.Now().Add(-30 * time.Minute)}
}

func testConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		KeepaliveInterval:  30 * time.Second,
		Interval:           10 * time.Millisecond,
	}
}

// messages parses the "data:" lines of an SSE body.
func messages(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			t.Errorf("invalid JSON in SSE data line: %v", err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// TestSSEMessageFormat verifies the named-event wire format.
func TestSSEMessageFormat(t *testing.T) {
	rs := newFakeReplay()
	handler := NewHandler(rs, &fakeScans{}, testConfig(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/stream/replay", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	handler.HandleReplay(w, req)

	resp := w.Result()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", resp.Header.Get("Cache-Control"))
	}

	body := w.Body.String()
	msgs := messages(t, body)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want metadata + one state (unchanged state is not resent)", len(msgs))
	}
	if msgs[0]["type"] != "metadata" {
		t.Errorf("first message type = %v, want metadata", msgs[0]["type"])
	}
	if msgs[0]["session"] != "session-1" {
		t.Errorf("metadata session = %v, want session-1", msgs[0]["session"])
	}
	if msgs[0]["catalog_version"].(float64) != 3 {
		t.Errorf("metadata catalog_version = %v, want 3", msgs[0]["catalog_version"])
	}
	if msgs[1]["type"] != "replay_state" {
		t.Errorf("second message type = %v, want replay_state", msgs[1]["type"])
	}
	state := msgs[1]["state"].(map[string]any)
	if state["status"] != "idle" {
		t.Errorf("status = %v, want idle", state["status"])
	}
	if state["current_time"].(float64) != float64(t0.Unix()) {
		t.Errorf("current_time = %v, want %d", state["current_time"], t0.Unix())
	}

	var events, ids []string
	for _, line := range strings.Split(body, "\n") {
		switch {
		case line == "", strings.HasPrefix(line, "data: "), strings.HasPrefix(line, "retry: "), strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		default:
			t.Errorf("unexpected SSE line: %q", line)
		}
	}
	if strings.Join(events, ",") != "metadata,replay_state" {
		t.Errorf("event names = %v, want [metadata replay_state]", events)
	}
	if len(ids) != 1 || ids[0] != "session-1/0" {
		t.Errorf("event ids = %v, want [session-1/0]", ids)
	}
}

// TestStateChangesAreStreamed verifies a message per version change and a
// scan_complete message for scans published after connecting.
func TestStateChangesAreStreamed(t *testing.T) {
	rs := newFakeReplay()
	scans := &fakeScans{}
	scans.latest.Store(&engine.ScanResult{ID: "old", Result: &conjunction.Result{CatalogVersion: 1}})
	handler := NewHandler(rs, scans, testConfig(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/stream/replay?objects=false", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rs.bump()
		scans.latest.Store(&engine.ScanResult{
			ID: "scan-2",
			Result: &conjunction.Result{
				CatalogVersion: 2,
				Events:         []conjunction.Event{{ObjectA: 1, ObjectB: 2, Tier: risk.TierHigh}},
			},
		})
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	w := httptest.NewRecorder()
	handler.HandleReplay(w, req)

	var states, scansSeen int
	for _, msg := range messages(t, w.Body.String()) {
		switch msg["type"] {
		case "replay_state":
			states++
		case "scan_complete":
			scansSeen++
			if msg["scan_id"] != "scan-2" {
				t.Errorf("scan_id = %v, want scan-2", msg["scan_id"])
			}
			tiers := msg["events_by_tier"].(map[string]any)
			if tiers["high"].(float64) != 1 {
				t.Errorf("events_by_tier = %v, want high=1", tiers)
			}
		}
	}
	if states != 2 {
		t.Errorf("replay_state messages = %d, want 2", states)
	}
	if scansSeen != 1 {
		t.Errorf("scan_complete messages = %d, want 1", scansSeen)
	}
}

func TestStreamLimiter(t *testing.T) {
	limiter := newStreamLimiter(3, 5)

	for i := 0; i < 3; i++ {
		if reason := limiter.acquire("10.0.0.1"); reason != "" {
			t.Fatalf("acquire %d refused: %s", i+1, reason)
		}
	}
	if reason := limiter.acquire("10.0.0.1"); reason != limitPerIP {
		t.Errorf("fourth acquire = %q, want %q", reason, limitPerIP)
	}
	for i := 0; i < 2; i++ {
		if reason := limiter.acquire("10.0.0.2"); reason != "" {
			t.Fatalf("other address refused: %s", reason)
		}
	}
	if reason := limiter.acquire("10.0.0.3"); reason != limitTotal {
		t.Errorf("acquire past total = %q, want %q", reason, limitTotal)
	}

	limiter.release("10.0.0.1")
	if reason := limiter.acquire("10.0.0.3"); reason != "" {
		t.Errorf("acquire after release refused: %s", reason)
	}
	if c := limiter.count("10.0.0.1"); c != 2 {
		t.Errorf("count = %d, want 2", c)
	}

	limiter.release("10.0.0.3")
	limiter.release("10.0.0.3")
	if c := limiter.count("10.0.0.3"); c != 0 {
		t.Errorf("count after extra release = %d, want 0", c)
	}
}

func TestStreamLimiterConcurrent(t *testing.T) {
	limiter := newStreamLimiter(100, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.acquire("10.0.0.1") == "" {
				defer limiter.release("10.0.0.1")
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if c := limiter.count("10.0.0.1"); c != 0 {
		t.Errorf("count after all released = %d, want 0", c)
	}
}

// TestRateLimitHTTPResponse verifies 429 response when limit exceeded.
func TestRateLimitHTTPResponse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerIP = 1
	handler := NewHandler(newFakeReplay(), nil, cfg, testLogger())

	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest("GET", "/api/v1/stream/replay", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		ctx, cancel := context.WithCancel(req.Context())
		req = req.WithContext(ctx)
		w := httptest.NewRecorder()

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(ready)
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()

		handler.HandleReplay(w, req)
	}()

	<-ready

	req := httptest.NewRequest("GET", "/api/v1/stream/replay", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	w := httptest.NewRecorder()
	handler.HandleReplay(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	<-done
}

// TestInvalidQueryParams verifies error responses for a bad objects flag.
func TestInvalidQueryParams(t *testing.T) {
	handler := NewHandler(newFakeReplay(), nil, testConfig(), testLogger())

	for _, q := range []string{"?objects=maybe", "?objects=2"} {
		t.Run(q, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/stream/replay"+q, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			handler.HandleReplay(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// TestScanMessage verifies the scan summary payload.
func TestScanMessage(t *testing.T) {
	finished := t0.Add(90 * time.Second)
	msg := buildScanMessage(&engine.ScanResult{
		ID:       "scan-9",
		Finished: finished,
		Result: &conjunction.Result{
			CatalogVersion: 4,
			LowConfidence:  1,
			Events: []conjunction.Event{
				{Tier: risk.TierCritical},
				{Tier: risk.TierLow},
				{Tier: risk.TierLow},
			},
		},
	})
	if msg.Type != "scan_complete" || msg.ScanID != "scan-9" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Events != 3 || msg.EventsByTier["low"] != 2 || msg.EventsByTier["critical"] != 1 {
		t.Errorf("counts = %d %v", msg.Events, msg.EventsByTier)
	}
	if msg.Finished != float64(finished.Unix()) {
		t.Errorf("finished = %v, want %d", msg.Finished, finished.Unix())
	}
	if msg.LowConfidence != 1 {
		t.Errorf("low_confidence = %d, want 1", msg.LowConfidence)
	}
}
