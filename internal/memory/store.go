// Package memory persists the compact per-user summary that survives
// across sessions.
//
// The summary is deliberately small: a tone preference, a
// recurring-safety flag, a session count, and a coarse trend. It is
// loaded exactly once at session start and written back only at
// session close or on a qualifying safety event, never on ordinary
// ticks.
package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultTone is the tone used for a user with no stored summary.
const DefaultTone = "encouraging"

// Summary is the compact cross-session record for one user.
type Summary struct {
	UserID          string    `json:"user_id"`
	Tone            string    `json:"tone"`
	RecurringSafety bool      `json:"recurring_safety"`
	SessionCount    int       `json:"session_count"`
	Trend           string    `json:"trend"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store is a SQLite-backed summary store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS user_summaries (
	user_id          TEXT PRIMARY KEY,
	tone             TEXT NOT NULL DEFAULT '',
	recurring_safety INTEGER NOT NULL DEFAULT 0,
	session_count    INTEGER NOT NULL DEFAULT 0,
	trend            TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS safety_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	severity   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_safety_events_user ON safety_events(user_id, created_at);
`

// Open creates or opens the summary database under dataDir.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "coach.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Debug("memory store opened", "path", path)
	return &Store{db: db, logger: logger.With("component", "memory")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored summary for userID, or a fresh default one
// if the user has never been seen.
func (s *Store) Load(userID string) (Summary, error) {
	row := s.db.QueryRow(`
		SELECT tone, recurring_safety, session_count, trend, updated_at
		FROM user_summaries WHERE user_id = ?`, userID)

	sum := Summary{UserID: userID}
	err := row.Scan(&sum.Tone, &sum.RecurringSafety, &sum.SessionCount, &sum.Trend, &sum.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{UserID: userID, Tone: DefaultTone}, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("load summary: %w", err)
	}
	if sum.Tone == "" {
		sum.Tone = DefaultTone
	}
	return sum, nil
}

// Save upserts the summary.
func (s *Store) Save(sum Summary) error {
	_, err := s.db.Exec(`
		INSERT INTO user_summaries (user_id, tone, recurring_safety, session_count, trend, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tone             = excluded.tone,
			recurring_safety = excluded.recurring_safety,
			session_count    = excluded.session_count,
			trend            = excluded.trend,
			updated_at       = excluded.updated_at`,
		sum.UserID, sum.Tone, sum.RecurringSafety, sum.SessionCount, sum.Trend, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// RecordSafetyEvent logs one safety override and flips the user's
// recurring-safety flag when a second event exists on record.
func (s *Store) RecordSafetyEvent(userID, sessionID, severity string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO safety_events (user_id, session_id, severity, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, sessionID, severity, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert safety event: %w", err)
	}

	var count int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM safety_events WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return fmt.Errorf("count safety events: %w", err)
	}

	if count >= 2 {
		if _, err := tx.Exec(`
			UPDATE user_summaries SET recurring_safety = 1, updated_at = ?
			WHERE user_id = ?`, time.Now().UTC(), userID); err != nil {
			return fmt.Errorf("flag recurring safety: %w", err)
		}
	}

	return tx.Commit()
}
