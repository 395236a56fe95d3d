package retry

import (
	"errors"
	"testing"
	"time"
)

// fakeClock is a manually-advanced clock for controller tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func testConfig() Config {
	return Config{
		BaseDelay:        2 * time.Second,
		MaxDelay:         60 * time.Second,
		EmptyDelay:       5 * time.Second,
		MaxAttempts:      5,
		Window:           5 * time.Minute,
		DegradedCooldown: 2 * time.Minute,
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewController(testConfig())
	c.SetNowFunc(clock.Now)

	errBoom := errors.New("boom")
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		got := c.OnFailure(true, errBoom)
		if got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
		clock.Advance(time.Second)
	}
}

func TestDegradedAfterBudgetExhausted(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig()
	c := NewController(cfg)
	c.SetNowFunc(clock.Now)

	errBoom := errors.New("boom")
	for i := 0; i < cfg.MaxAttempts; i++ {
		c.OnFailure(true, errBoom)
		if c.IsDegraded() {
			t.Fatalf("degraded after %d failures, budget is %d", i+1, cfg.MaxAttempts)
		}
		clock.Advance(time.Second)
	}

	// cap + 1 inside the window: degraded, single probe after cooldown.
	delay := c.OnFailure(true, errBoom)
	if !c.IsDegraded() {
		t.Fatal("expected degraded after exceeding budget")
	}
	if delay != cfg.DegradedCooldown {
		t.Errorf("degraded delay = %v, want cooldown %v", delay, cfg.DegradedCooldown)
	}
}

func TestProbeFailureRestartsFromAttemptOne(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig()
	c := NewController(cfg)
	c.SetNowFunc(clock.Now)

	errBoom := errors.New("boom")
	for i := 0; i <= cfg.MaxAttempts; i++ {
		c.OnFailure(true, errBoom)
		clock.Advance(time.Second)
	}
	if !c.IsDegraded() {
		t.Fatal("expected degraded")
	}

	// The single recovery probe fails: back to the normal cycle at
	// attempt 1, not degraded again immediately.
	delay := c.OnFailure(true, errBoom)
	if c.IsDegraded() {
		t.Error("probe failure must leave degraded mode")
	}
	if delay != cfg.BaseDelay {
		t.Errorf("post-probe delay = %v, want base %v", delay, cfg.BaseDelay)
	}
	if got := c.Status().Attempts; got != 1 {
		t.Errorf("post-probe attempts = %d, want 1", got)
	}
}

func TestBenignEmptyNeverCountsAgainstBudget(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig()
	c := NewController(cfg)
	c.SetNowFunc(clock.Now)

	for i := 0; i < cfg.MaxAttempts*10; i++ {
		delay := c.OnFailure(false, ErrBenignEmpty)
		if delay != cfg.EmptyDelay {
			t.Fatalf("benign delay = %v, want fixed %v", delay, cfg.EmptyDelay)
		}
		clock.Advance(time.Second)
	}
	if c.IsDegraded() {
		t.Error("benign-empty outcomes must never trigger degraded mode")
	}
	if got := c.Status().Attempts; got != 0 {
		t.Errorf("attempts = %d, want 0 after benign-only outcomes", got)
	}
}

func TestSuccessResetsEverything(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewController(testConfig())
	c.SetNowFunc(clock.Now)

	errBoom := errors.New("boom")
	c.OnFailure(true, errBoom)
	c.OnFailure(true, errBoom)
	c.OnSuccess()

	st := c.Status()
	if st.Attempts != 0 || st.Degraded || st.LastError != "" {
		t.Errorf("status after success = %+v, want zeroed", st)
	}

	// Next failure starts the schedule over.
	if delay := c.OnFailure(true, errBoom); delay != 2*time.Second {
		t.Errorf("delay after reset = %v, want base", delay)
	}
}

func TestWindowExpiryResetsAttempts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cfg := testConfig()
	c := NewController(cfg)
	c.SetNowFunc(clock.Now)

	errBoom := errors.New("boom")
	for i := 0; i < cfg.MaxAttempts; i++ {
		c.OnFailure(true, errBoom)
		clock.Advance(time.Second)
	}

	// Outside the rolling window, the budget starts fresh.
	clock.Advance(cfg.Window + time.Second)
	delay := c.OnFailure(true, errBoom)
	if c.IsDegraded() {
		t.Error("failure in a fresh window must not be degraded")
	}
	if delay != cfg.BaseDelay {
		t.Errorf("fresh-window delay = %v, want base %v", delay, cfg.BaseDelay)
	}
}
