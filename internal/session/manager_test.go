package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/coach"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/fingerprint"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/memory"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/provider"
)

type staticTexts struct{}

func (staticTexts) SelectAndInvoke(ctx context.Context, req provider.Request) (string, string) {
	return "upstream cue", "p1"
}

func (staticTexts) InvokeAuxiliary(ctx context.Context, req provider.Request) (string, error) {
	return "", errors.New("no auxiliary")
}

func (staticTexts) AuxiliaryName() string { return "" }

// blockingTexts stalls live invocations until their context is
// cancelled, standing in for a slow upstream provider.
type blockingTexts struct {
	entered chan struct{}
}

func (b *blockingTexts) SelectAndInvoke(ctx context.Context, req provider.Request) (string, string) {
	if req.Style == provider.StyleDebrief {
		return "debrief text", "p1"
	}
	close(b.entered)
	<-ctx.Done()
	return "late cue", "p1"
}

func (b *blockingTexts) InvokeAuxiliary(ctx context.Context, req provider.Request) (string, error) {
	return "", errors.New("no auxiliary")
}

func (b *blockingTexts) AuxiliaryName() string { return "" }

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	return newTestManagerWith(t, staticTexts{})
}

func newTestManagerWith(t *testing.T, texts coach.TextSource) (*Manager, *memory.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := memory.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Decision.InsightProbability = 0
	cfg.Decision.VariantProbability = 0

	cache := fingerprint.NewCache(cfg.Cache.Capacity, cfg.Cache.TTL())
	engine, err := coach.NewEngine(cfg.Decision, fingerprint.NewBuckets(cfg.Buckets), cache,
		texts, coach.NewBank(0, nil), logger, nil)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	return NewManager(engine, store, logger, nil), store
}

func moderateTick(elapsed int) coach.Input {
	return coach.Input{
		Severity:       coach.SeverityModerate,
		Tempo:          120,
		Amplitude:      0.5,
		Trend:          coach.TrendStable,
		Phase:          coach.PhaseMain,
		ElapsedSeconds: elapsed,
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	sess, err := m.Start("runner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}

	out, err := sess.Tick(moderateTick(1))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !out.ShouldEmit || out.ReasonCode != coach.ReasonFirstTick {
		t.Errorf("first tick = %+v, want a welcome", out)
	}

	debrief, err := m.Close(sess.ID)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if debrief == "" {
		t.Error("debrief text missing")
	}
	if m.Count() != 0 {
		t.Errorf("count after close = %d, want 0", m.Count())
	}
}

func TestStartRequiresUserID(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	if _, err := m.Start(""); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestTickAfterCloseFails(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	sess, err := m.Start("runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Close(sess.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := sess.Tick(moderateTick(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestCloseCancelsInFlightTick(t *testing.T) {
	t.Parallel()

	texts := &blockingTexts{entered: make(chan struct{})}
	m, _ := newTestManagerWith(t, texts)

	sess, err := m.Start("runner-1")
	if err != nil {
		t.Fatal(err)
	}
	// The welcome is a template; only the second tick reaches upstream.
	if _, err := sess.Tick(moderateTick(1)); err != nil {
		t.Fatal(err)
	}

	type result struct {
		out coach.Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		in := moderateTick(20)
		in.Severity = coach.SeverityIntense
		out, err := sess.Tick(in)
		done <- result{out, err}
	}()

	// Wait until the tick is blocked inside the upstream call, then
	// close. Close must cancel the call rather than wait it out.
	<-texts.entered
	if _, err := m.Close(sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case res := <-done:
		if !errors.Is(res.err, ErrClosed) {
			t.Errorf("interrupted tick err = %v, want ErrClosed", res.err)
		}
		if res.out.ShouldEmit {
			t.Error("interrupted tick must not deliver a cue")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not interrupted by Close")
	}
}

func TestCloseUnknownSession(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	if _, err := m.Close("nope"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestDoubleCloseFails(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	sess, err := m.Start("runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Close(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Close(sess.ID); err == nil {
		t.Error("expected error on second close")
	}
}

func TestCloseWritesSummaryBackOnce(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t)

	sess, err := m.Start("runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Tick(moderateTick(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Close(sess.ID); err != nil {
		t.Fatal(err)
	}

	sum, err := store.Load("runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.SessionCount != 1 {
		t.Errorf("session count = %d, want 1 after first session", sum.SessionCount)
	}
	if sum.Trend != string(coach.TrendStable) {
		t.Errorf("trend = %q, want the last observed trend", sum.Trend)
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	a, err := m.Start("runner-a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Start("runner-b")
	if err != nil {
		t.Fatal(err)
	}

	// Both sessions see their own first tick; shared state would make
	// the second session skip its welcome.
	outA, err := a.Tick(moderateTick(1))
	if err != nil {
		t.Fatal(err)
	}
	outB, err := b.Tick(moderateTick(1))
	if err != nil {
		t.Fatal(err)
	}
	if outA.ReasonCode != coach.ReasonFirstTick || outB.ReasonCode != coach.ReasonFirstTick {
		t.Errorf("reasons = %q/%q, want first_tick for both sessions", outA.ReasonCode, outB.ReasonCode)
	}

	m.CloseAll()
	if m.Count() != 0 {
		t.Errorf("count after CloseAll = %d, want 0", m.Count())
	}
}
