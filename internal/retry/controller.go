// Package retry supervises continuously-restarting fallible loops with
// bounded exponential backoff and a degraded-mode safety valve.
//
// Hard failures back off exponentially inside a rolling window; benign
// outcomes ("nothing to do this cycle") use a fixed delay and never
// count against the attempt budget, so ordinary idle periods can never
// trip degraded mode. Exhausting the budget suspends automatic
// restarts and schedules exactly one delayed recovery probe.
package retry

import (
	"errors"
	"sync"
	"time"
)

// ErrBenignEmpty marks a loop iteration that found no input to process.
// Supervised loops return it (or wrap it) to request the fixed empty
// delay instead of backoff accounting.
var ErrBenignEmpty = errors.New("no input this cycle")

// Config tunes one controller.
type Config struct {
	// BaseDelay is the delay after the first hard failure; attempt n
	// waits min(BaseDelay·2^(n-1), MaxDelay).
	BaseDelay time.Duration
	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
	// EmptyDelay is the fixed delay after a benign-empty outcome.
	EmptyDelay time.Duration
	// MaxAttempts is the hard-failure budget inside Window. Exceeding
	// it enters degraded mode.
	MaxAttempts int
	// Window is the rolling window for the attempt budget.
	Window time.Duration
	// DegradedCooldown is the wait before the single recovery probe
	// once degraded.
	DegradedCooldown time.Duration
}

// DefaultConfig returns the schedule used when a field is zero:
// 2s, 4s, 8s, ... capped at 60s, a budget of 5 hard failures per
// 5 minutes, and a 2-minute degraded cooldown.
func DefaultConfig() Config {
	return Config{
		BaseDelay:        2 * time.Second,
		MaxDelay:         60 * time.Second,
		EmptyDelay:       5 * time.Second,
		MaxAttempts:      5,
		Window:           5 * time.Minute,
		DegradedCooldown: 2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.EmptyDelay <= 0 {
		c.EmptyDelay = d.EmptyDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.DegradedCooldown <= 0 {
		c.DegradedCooldown = d.DegradedCooldown
	}
	return c
}

// Controller tracks the retry budget for one supervised loop. It is
// pure bookkeeping: callers report outcomes and read the next delay;
// the Supervisor (or any other runner) does the actual sleeping.
type Controller struct {
	cfg     Config
	nowFunc func() time.Time

	mu          sync.Mutex
	attempts    int
	windowStart time.Time
	degraded    bool
	nextDelay   time.Duration
	nextRetryAt time.Time
	lastErr     error
}

// NewController creates a controller. Zero-value Config fields are
// replaced with defaults.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (c *Controller) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	c.nowFunc = now
	c.mu.Unlock()
}

// OnSuccess resets the attempt counter, the rolling window, and the
// degraded flag.
func (c *Controller) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.windowStart = time.Time{}
	c.degraded = false
	c.lastErr = nil
	c.nextDelay = 0
	c.nextRetryAt = time.Time{}
}

// OnFailure records one loop outcome and schedules the next restart.
// isHard distinguishes real failures from benign-empty cycles: benign
// outcomes use the fixed empty delay and never touch the attempt
// budget. The returned delay is how long the runner should wait
// before the next attempt.
func (c *Controller) OnFailure(isHard bool, err error) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	c.lastErr = err

	if !isHard {
		c.nextDelay = c.cfg.EmptyDelay
		c.nextRetryAt = now.Add(c.nextDelay)
		return c.nextDelay
	}

	if c.degraded {
		// The single recovery probe failed: restart the cycle from
		// attempt 1 rather than looping degraded forever.
		c.degraded = false
		c.attempts = 1
		c.windowStart = now
		c.nextDelay = c.cfg.BaseDelay
		c.nextRetryAt = now.Add(c.nextDelay)
		return c.nextDelay
	}

	if c.windowStart.IsZero() || now.Sub(c.windowStart) > c.cfg.Window {
		// Rolling window expired; this failure opens a fresh one.
		c.windowStart = now
		c.attempts = 0
	}
	c.attempts++

	if c.attempts > c.cfg.MaxAttempts {
		// Budget exhausted: stop automatic restarts and schedule
		// exactly one recovery probe after the cooldown.
		c.degraded = true
		c.nextDelay = c.cfg.DegradedCooldown
		c.nextRetryAt = now.Add(c.nextDelay)
		return c.nextDelay
	}

	delay := c.cfg.BaseDelay << (c.attempts - 1)
	if delay > c.cfg.MaxDelay || delay <= 0 {
		delay = c.cfg.MaxDelay
	}
	c.nextDelay = delay
	c.nextRetryAt = now.Add(delay)
	return delay
}

// IsDegraded reports whether the controller has exhausted its retry
// budget and is waiting on its single recovery probe.
func (c *Controller) IsDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Status is a point-in-time snapshot for observability surfaces.
type Status struct {
	Degraded    bool      `json:"degraded"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Status returns the controller's current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Degraded:    c.degraded,
		Attempts:    c.attempts,
		NextRetryAt: c.nextRetryAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
