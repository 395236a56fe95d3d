// Package session manages live coaching sessions: one Session per
// active workout, each owning its decision state exclusively.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/coach"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/memory"
)

// ErrClosed is returned for operations on a closed session.
var ErrClosed = errors.New("session closed")

// Session is one live coaching session. Ticks are serialized by the
// session mutex, so the decision state has a single writer. Closing
// the session cancels any in-flight upstream call; a tick interrupted
// by Close is discarded, never applied retroactively.
type Session struct {
	ID        string
	UserID    string
	StartedAt time.Time

	mu     sync.Mutex
	state  *coach.State
	closed bool

	engine *coach.Engine
	store  *memory.Store
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// Tick evaluates one sensor reading. At most one upstream call is in
// flight per session at a time.
func (s *Session) Tick(in coach.Input) (coach.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ctx.Err() != nil {
		return coach.Output{}, ErrClosed
	}

	in.SessionID = s.ID
	out := s.engine.Tick(s.ctx, s.state, in)

	if s.ctx.Err() != nil {
		// Closed while the tick was running; the result must not be
		// delivered.
		return coach.Output{}, ErrClosed
	}

	if out.ReasonCode == coach.ReasonCriticalOverride {
		if err := s.store.RecordSafetyEvent(s.UserID, s.ID, in.Severity.String()); err != nil {
			s.logger.Error("failed to record safety event",
				"session_id", s.ID,
				"error", err,
			)
		}
	}

	return out, nil
}

// State returns a read-only view of the session's decision history.
// Safe to call concurrently with ticks.
func (s *Session) State() (recent []coach.Record, speak, silence int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Recent(), s.state.ConsecutiveSpeak(), s.state.ConsecutiveSilence()
}

// close finalizes the session: cancels in-flight work, produces the
// debrief, and writes the updated memory summary back exactly once.
func (s *Session) close() (string, error) {
	// Cancel before taking the lock: a tick in flight holds the mutex
	// through its upstream call, so cancelling here is the only way to
	// interrupt it. The tick sees the cancelled context and discards
	// its result.
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	s.closed = true

	// The session context is already cancelled, so the debrief runs
	// under its own deadline; it falls back deterministically if the
	// upstream cannot answer in time.
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	debrief, source := s.engine.Debrief(dctx, s.state)

	sum := s.state.Summary
	sum.SessionCount++
	sum.Trend = string(s.state.LastTrend())
	if s.state.SafetyEvents() > 0 {
		sum.RecurringSafety = sum.RecurringSafety || sum.SessionCount > 1
	}
	if err := s.store.Save(sum); err != nil {
		s.logger.Error("failed to save memory summary",
			"session_id", s.ID,
			"user_id", s.UserID,
			"error", err,
		)
	}

	s.logger.Info("session closed",
		"session_id", s.ID,
		"user_id", s.UserID,
		"duration", time.Since(s.StartedAt).Round(time.Second).String(),
		"safety_events", s.state.SafetyEvents(),
		"debrief_source", source,
	)
	return debrief, nil
}
