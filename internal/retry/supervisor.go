package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
)

// LoopFunc is one run of a supervised loop. It should block until the
// loop finishes a cycle (or fails), honoring ctx cancellation. Return
// nil for a successful cycle, ErrBenignEmpty (possibly wrapped) when
// there was simply nothing to do, and any other error for a hard
// failure.
type LoopFunc func(ctx context.Context) error

// Supervisor runs a LoopFunc forever, restarting it on the schedule
// decided by its Controller. One Supervisor owns one loop; it starts
// when Supervise is called and stops when the context is cancelled or
// Stop is called.
type Supervisor struct {
	name   string
	ctrl   *Controller
	loop   LoopFunc
	logger *slog.Logger
	bus    *events.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervise starts a supervisor goroutine for the named loop.
// Panics if name is empty or loop is nil — these are programming
// errors that should be caught during development.
func Supervise(ctx context.Context, name string, loop LoopFunc, cfg Config, logger *slog.Logger, bus *events.Bus) *Supervisor {
	if name == "" {
		panic("retry: supervisor name must not be empty")
	}
	if loop == nil {
		panic("retry: supervised loop must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Supervisor{
		name:   name,
		ctrl:   NewController(cfg),
		loop:   loop,
		logger: logger.With("loop", name),
		bus:    bus,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx)
	return s
}

// Controller exposes the supervisor's retry state for observability.
func (s *Supervisor) Controller() *Controller { return s.ctrl }

// Name returns the supervised loop's name.
func (s *Supervisor) Name() string { return s.name }

// Stop cancels the supervisor and waits for its goroutine to exit.
func (s *Supervisor) Stop() {
	s.cancel()
	<-s.done
}

// Wait blocks until the supervisor goroutine exits.
func (s *Supervisor) Wait() {
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.loop(ctx)
		if ctx.Err() != nil {
			// A loop interrupted by shutdown is not a failure.
			return
		}

		var delay time.Duration
		switch {
		case err == nil:
			s.ctrl.OnSuccess()
			// A clean return means the loop decided it was done for
			// this cycle; restart promptly.
			delay = 0
		case errors.Is(err, ErrBenignEmpty):
			delay = s.ctrl.OnFailure(false, err)
			s.logger.Debug("loop idle, waiting", "delay", delay.String())
		default:
			wasDegraded := s.ctrl.IsDegraded()
			delay = s.ctrl.OnFailure(true, err)
			if s.ctrl.IsDegraded() && !wasDegraded {
				s.logger.Warn("loop entered degraded mode, scheduling single recovery probe",
					"error", err,
					"probe_in", delay.String(),
				)
				s.bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceRetry,
					Kind:      events.KindDegraded,
					Data:      map[string]any{"name": s.name, "degraded": true},
				})
			} else {
				s.logger.Info("loop failed, restarting",
					"error", err,
					"delay", delay.String(),
				)
			}
		}

		if delay > 0 && !sleepCtx(ctx, delay) {
			return
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
