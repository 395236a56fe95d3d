package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/coach"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/memory"
)

// Manager owns the set of live sessions. Sessions run fully
// independently; the manager only tracks membership and lifecycle.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	engine *coach.Engine
	store  *memory.Store
	logger *slog.Logger
	bus    *events.Bus
}

// NewManager creates a session manager.
func NewManager(engine *coach.Engine, store *memory.Store, logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		engine:   engine,
		store:    store,
		logger:   logger.With("component", "session"),
		bus:      bus,
	}
}

// Start creates a new session for userID. The user's memory summary
// is loaded exactly once, here.
func (m *Manager) Start(userID string) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	summary, err := m.store.Load(userID)
	if err != nil {
		return nil, fmt.Errorf("load memory summary: %w", err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		UserID:    userID,
		StartedAt: time.Now(),
		state:     coach.NewState(id, userID, summary),
		engine:    m.engine,
		store:     m.store,
		ctx:       ctx,
		cancel:    cancel,
		logger:    m.logger,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session started",
		"session_id", id,
		"user_id", userID,
		"session_count", summary.SessionCount,
		"tone", summary.Tone,
	)
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindSessionStart,
		Data:      map[string]any{"session_id": id, "user_id": userID},
	})
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close ends the session, returning its debrief text.
func (m *Manager) Close(id string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("unknown session %q", id)
	}

	debrief, err := s.close()
	if err != nil {
		return "", err
	}

	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindSessionEnd,
		Data:      map[string]any{"session_id": id, "user_id": s.UserID},
	})
	return debrief, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll ends every live session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Close(id); err != nil {
			m.logger.Warn("failed to close session during shutdown",
				"session_id", id,
				"error", err,
			)
		}
	}
}
