package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/coach"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/fingerprint"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/memory"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/provider"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/session"
)

type stubProvider struct {
	name string
	text string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Invoke(ctx context.Context, req provider.Request) (string, error) {
	return s.text, nil
}

// newTestServer wires real components behind the API: a router with a
// stub upstream, the default decision tables, and a temp SQLite store.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()

	cfg := config.Default()
	cfg.Decision.InsightProbability = 0
	cfg.Decision.VariantProbability = 0

	store, err := memory.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bank := coach.NewBank(0, nil)
	impls := map[string]provider.Provider{"ollama": &stubProvider{name: "ollama", text: "upstream cue"}}
	router, err := provider.NewRouter(cfg.Providers, cfg.Routing, impls,
		func(req provider.Request) string { return "template text" }, logger, bus)
	if err != nil {
		t.Fatalf("build router: %v", err)
	}

	cache := fingerprint.NewCache(cfg.Cache.Capacity, cfg.Cache.TTL())
	engine, err := coach.NewEngine(cfg.Decision, fingerprint.NewBuckets(cfg.Buckets), cache, router, bank, logger, bus)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	sessions := session.NewManager(engine, store, logger, bus)
	return NewServer("", 0, sessions, router, cache, bus, logger)
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func startSession(t *testing.T, s *Server, userID string) string {
	t.Helper()

	w := postJSON(t, s.handleSessionStart, "/api/sessions", map[string]string{"user_id": userID})
	if w.Code != http.StatusOK {
		t.Fatalf("session start: status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "" {
		t.Fatal("missing session_id")
	}
	return resp.SessionID
}

func TestTickEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	id := startSession(t, s, "runner-1")

	w := postJSON(t, s.handleTick, "/api/tick", map[string]any{
		"session_id":      id,
		"severity":        "moderate",
		"tempo":           120,
		"amplitude":       0.5,
		"trend":           "stable",
		"phase":           "main",
		"elapsed_seconds": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var out coach.Output
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.ShouldEmit || out.ReasonCode != coach.ReasonFirstTick {
		t.Errorf("output = %+v, want a first-tick welcome", out)
	}
}

func TestTickRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	id := startSession(t, s, "runner-1")

	cases := []map[string]any{
		{"session_id": id, "severity": "extreme", "trend": "stable", "phase": "main"},
		{"session_id": id, "severity": "moderate", "trend": "sideways", "phase": "main"},
		{"session_id": id, "severity": "moderate", "trend": "stable", "phase": "break"},
		{"session_id": id, "severity": "moderate", "trend": "stable", "phase": "main", "elapsed_seconds": -1},
	}
	for i, body := range cases {
		if w := postJSON(t, s.handleTick, "/api/tick", body); w.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, w.Code)
		}
	}
}

func TestTickUnknownSession(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	w := postJSON(t, s.handleTick, "/api/tick", map[string]any{
		"session_id": "nope", "severity": "moderate", "trend": "stable", "phase": "main",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSessionCloseReturnsDebrief(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	id := startSession(t, s, "runner-1")

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil)
	req.SetPathValue("id", id)
	w := httptest.NewRecorder()
	s.handleSessionClose(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Debrief string `json:"debrief"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Debrief == "" {
		t.Error("debrief missing from close response")
	}
}

func TestProviderHealthEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/providers/health", nil)
	w := httptest.NewRecorder()
	s.handleProviderHealth(w, req)

	var resp struct {
		Providers []provider.Health `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Providers) != 1 || resp.Providers[0].Name != "ollama" {
		t.Errorf("providers = %+v, want the configured stub", resp.Providers)
	}
	if resp.Providers[0].State != "healthy" {
		t.Errorf("state = %q, want healthy", resp.Providers[0].State)
	}
}

func TestProviderSwitchEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	w := postJSON(t, s.handleProviderSwitch, "/api/providers/active",
		map[string]any{"provider": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown provider: status = %d, want 400", w.Code)
	}

	w = postJSON(t, s.handleProviderSwitch, "/api/providers/active",
		map[string]any{"provider": "ollama", "preserve_auxiliary": true})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d: %s", w.Code, w.Body.String())
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/cache/stats", nil)
	w := httptest.NewRecorder()
	s.handleCacheStats(w, req)

	var stats fingerprint.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Size != 0 || stats.Hits != 0 {
		t.Errorf("stats = %+v, want an empty cache", stats)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	startSession(t, s, "runner-1")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["sessions"].(float64) != 1 {
		t.Errorf("sessions = %v, want 1", resp["sessions"])
	}
}
