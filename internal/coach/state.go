package coach

import (
	"github.com/98Mvg/treningscoach-backend-sub000/internal/memory"
)

// recentDecisions is the fixed size of the per-session decision ring.
const recentDecisions = 16

// Record is one past decision kept in the session ring buffer.
type Record struct {
	ElapsedSeconds int      `json:"elapsed_seconds"`
	Severity       Severity `json:"-"`
	SeverityName   string   `json:"severity"`
	Emitted        bool     `json:"emitted"`
	ReasonCode     string   `json:"reason_code"`
}

// State is the mutable per-session decision state. It is owned by
// exactly one session and mutated only from that session's tick
// processing, so it needs no locking of its own.
type State struct {
	SessionID string
	UserID    string
	Phase     Phase

	ElapsedSeconds int

	// Summary is loaded once at session start and injected into text
	// selection. It is written back only at session close or on a
	// qualifying safety event.
	Summary memory.Summary

	spoken             bool
	lastSpeakElapsed   int
	lastFingerprint    string
	consecutiveSpeak   int
	consecutiveSilence int
	safetyEvents       int
	emitted            int

	prevSeverity Severity
	hasPrev      bool
	peak         Severity
	lastTrend    Trend

	insightGiven   bool
	insightElapsed int

	ring  [recentDecisions]Record
	ringN int // total records ever pushed
}

// NewState creates the decision state for one session.
func NewState(sessionID, userID string, summary memory.Summary) *State {
	return &State{
		SessionID: sessionID,
		UserID:    userID,
		Summary:   summary,
	}
}

// FirstTick reports whether no tick has been evaluated yet.
func (s *State) FirstTick() bool { return s.ringN == 0 }

// LastFingerprint returns the fingerprint of the last emitted text.
func (s *State) LastFingerprint() string { return s.lastFingerprint }

// ConsecutiveSpeak returns the current run of emitted decisions.
func (s *State) ConsecutiveSpeak() int { return s.consecutiveSpeak }

// ConsecutiveSilence returns the current run of silent decisions.
func (s *State) ConsecutiveSilence() int { return s.consecutiveSilence }

// SafetyEvents returns how many safety overrides this session has hit.
func (s *State) SafetyEvents() int { return s.safetyEvents }

// Peak returns the highest severity seen this session.
func (s *State) Peak() Severity { return s.peak }

// LastTrend returns the trend of the most recent tick.
func (s *State) LastTrend() Trend { return s.lastTrend }

// push appends one decision to the ring buffer, overwriting the
// oldest entry once full.
func (s *State) push(r Record) {
	s.ring[s.ringN%recentDecisions] = r
	s.ringN++
}

// Recent returns the retained decisions, oldest first.
func (s *State) Recent() []Record {
	n := s.ringN
	if n > recentDecisions {
		n = recentDecisions
	}
	out := make([]Record, 0, n)
	start := s.ringN - n
	for i := start; i < s.ringN; i++ {
		out = append(out, s.ring[i%recentDecisions])
	}
	return out
}

// emittedCount returns how many decisions produced output over the
// whole session, including ones the ring has already dropped.
func (s *State) emittedCount() int {
	return s.emitted
}
