// Package api implements the coachd HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/buildinfo"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/coach"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/fingerprint"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/provider"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions *session.Manager
	router   *provider.Router
	cache    *fingerprint.Cache
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, sessions *session.Manager, router *provider.Router, cache *fingerprint.Cache, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		sessions: sessions,
		router:   router,
		cache:    cache,
		bus:      bus,
		logger:   logger.With("component", "api"),
	}
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Session lifecycle and the per-tick decision loop
	mux.HandleFunc("POST /api/sessions", s.handleSessionStart)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionClose)
	mux.HandleFunc("POST /api/tick", s.handleTick)
	mux.HandleFunc("GET /api/sessions/{id}/state", s.handleSessionState)

	// Router control and introspection
	mux.HandleFunc("GET /api/providers/health", s.handleProviderHealth)
	mux.HandleFunc("POST /api/providers/active", s.handleProviderSwitch)

	// Cache introspection
	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)

	// Live event stream
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{"message": message, "code": code},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "coachd",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"build":     buildinfo.Info(),
		"uptime":    buildinfo.Uptime().Round(time.Second).String(),
		"sessions":  s.sessions.Count(),
		"providers": s.router.GetHealth(),
		"cache":     s.cache.Stats(),
	}, s.logger)
}

type sessionStartRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.sessions.Start(req.UserID)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"started_at": sess.StartedAt.UTC().Format(time.RFC3339),
	}, s.logger)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	debrief, err := s.sessions.Close(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"session_id": id,
		"debrief":    debrief,
	}, s.logger)
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown session")
		return
	}

	recent, speak, silence := sess.State()
	writeJSON(w, map[string]any{
		"session_id":          sess.ID,
		"user_id":             sess.UserID,
		"recent":              recent,
		"consecutive_speak":   speak,
		"consecutive_silence": silence,
	}, s.logger)
}

// tickRequest is the per-tick input from the sensor-feature collaborator.
type tickRequest struct {
	SessionID      string  `json:"session_id"`
	Severity       string  `json:"severity"`
	Tempo          float64 `json:"tempo"`
	Amplitude      float64 `json:"amplitude"`
	Trend          string  `json:"trend"`
	Phase          string  `json:"phase"`
	ElapsedSeconds int     `json:"elapsed_seconds"`
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	in, err := parseTick(req)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := s.sessions.Get(req.SessionID)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown session")
		return
	}

	out, err := sess.Tick(in)
	if err != nil {
		s.errorResponse(w, http.StatusGone, err.Error())
		return
	}

	writeJSON(w, out, s.logger)
}

func parseTick(req tickRequest) (coach.Input, error) {
	severity, err := coach.ParseSeverity(req.Severity)
	if err != nil {
		return coach.Input{}, err
	}
	trend, err := coach.ParseTrend(req.Trend)
	if err != nil {
		return coach.Input{}, err
	}
	phase, err := coach.ParsePhase(req.Phase)
	if err != nil {
		return coach.Input{}, err
	}
	if req.ElapsedSeconds < 0 {
		return coach.Input{}, fmt.Errorf("elapsed_seconds must not be negative")
	}
	return coach.Input{
		SessionID:      req.SessionID,
		Severity:       severity,
		Tempo:          req.Tempo,
		Amplitude:      req.Amplitude,
		Trend:          trend,
		Phase:          phase,
		ElapsedSeconds: req.ElapsedSeconds,
	}, nil
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"providers": s.router.GetHealth()}, s.logger)
}

type providerSwitchRequest struct {
	Provider          string `json:"provider"`
	PreserveAuxiliary bool   `json:"preserve_auxiliary"`
}

func (s *Server) handleProviderSwitch(w http.ResponseWriter, r *http.Request) {
	var req providerSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.router.SwitchActive(req.Provider, req.PreserveAuxiliary); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"active":    req.Provider,
		"auxiliary": s.router.AuxiliaryName(),
	}, s.logger)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cache.Stats(), s.logger)
}
