package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
)

// State is a provider's circuit-breaker lifecycle state.
type State int

const (
	// StateHealthy providers are tried in priority order.
	StateHealthy State = iota
	// StateHalfOpen providers get one probe attempt per tick cycle
	// after their cool-down elapses.
	StateHalfOpen
	// StateDisabled providers are skipped until their cool-down elapses.
	StateDisabled
)

// String returns the wire name for the state.
func (s State) String() string {
	switch s {
	case StateHalfOpen:
		return "half_open"
	case StateDisabled:
		return "disabled"
	default:
		return "healthy"
	}
}

// descriptor is the router-owned health record for one provider.
// Mutated only by the router after each call attempt.
type descriptor struct {
	provider Provider
	cfg      config.ProviderConfig

	state               State
	emaLatency          time.Duration // 0 until the first successful sample
	consecutiveFailures int
	consecutiveSlow     int
	disabledUntil       time.Time
	lastProbeCycle      uint64
	lastErr             error
}

// FallbackFunc produces the deterministic local template text. It must
// never fail; it is the guarantee that the router always returns
// something.
type FallbackFunc func(Request) string

// FallbackSource is the provider name reported when the deterministic
// template served the request.
const FallbackSource = "template"

// Router selects among upstream providers in priority order, tracks
// per-provider health, and falls back to a deterministic template when
// every candidate is unavailable. No error ever crosses the router
// boundary: SelectAndInvoke is total.
type Router struct {
	mu          sync.Mutex
	descriptors []*descriptor // configured priority order
	activeName  string        // non-empty after SwitchActive
	auxName     string

	fallback      FallbackFunc
	failureLimit  int
	slowCallLimit int
	cooldown      time.Duration

	cycle   uint64
	nowFunc func() time.Time
	logger  *slog.Logger
	bus     *events.Bus
}

// NewRouter builds a router from validated configuration. Every
// configured provider must have a registered implementation, and the
// fallback must be non-nil.
func NewRouter(cfgs []config.ProviderConfig, routing config.RoutingConfig, impls map[string]Provider, fallback FallbackFunc, logger *slog.Logger, bus *events.Bus) (*Router, error) {
	if fallback == nil {
		return nil, fmt.Errorf("router: fallback template source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	descriptors := make([]*descriptor, 0, len(cfgs))
	for _, cfg := range cfgs {
		impl, ok := impls[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("router: no implementation registered for provider %q", cfg.Name)
		}
		descriptors = append(descriptors, &descriptor{provider: impl, cfg: cfg})
	}
	sort.SliceStable(descriptors, func(i, j int) bool {
		return descriptors[i].cfg.Priority < descriptors[j].cfg.Priority
	})

	return &Router{
		descriptors:   descriptors,
		auxName:       routing.Auxiliary,
		fallback:      fallback,
		failureLimit:  routing.FailureLimit,
		slowCallLimit: routing.SlowCallLimit,
		cooldown:      routing.Cooldown(),
		nowFunc:       time.Now,
		logger:        logger.With("component", "router"),
		bus:           bus,
	}, nil
}

// SetNowFunc overrides the clock. Intended for tests.
func (r *Router) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	r.nowFunc = now
	r.mu.Unlock()
}

// SelectAndInvoke tries providers strictly in priority order, each
// under its own per-call timeout, and returns the first success. The
// deterministic template is prepared concurrently with the attempts so
// it is available the instant the last candidate fails: the result is
// never slower than the slowest single per-call budget plus local
// work. Returns the text and the source that produced it (a provider
// name or FallbackSource). It never fails.
func (r *Router) SelectAndInvoke(ctx context.Context, req Request) (string, string) {
	candidates := r.beginCycle()

	// Prepare the template concurrently so a full provider washout
	// adds no latency of its own.
	fallbackCh := make(chan string, 1)
	go func() { fallbackCh <- r.fallback(req) }()

	for _, d := range candidates {
		if ctx.Err() != nil {
			// Session cancelled mid-tick: serve the template and let
			// the caller discard the result.
			break
		}

		text, err := r.attempt(ctx, d, req)
		if err == nil {
			return text, d.provider.Name()
		}
	}

	r.logger.Warn("all providers unavailable, serving template",
		"session_id", req.SessionID,
		"error", ErrExhausted,
	)
	r.bus.Publish(events.Event{
		Timestamp: r.now(),
		Source:    events.SourceRouter,
		Kind:      events.KindFallback,
		Data:      map[string]any{"session_id": req.SessionID},
	})
	return <-fallbackCh, FallbackSource
}

// InvokeAuxiliary asks only the configured auxiliary provider, used
// for periodic high-level insights. Unlike SelectAndInvoke it can
// fail: the caller treats a failure as "no insight this tick".
func (r *Router) InvokeAuxiliary(ctx context.Context, req Request) (string, error) {
	r.mu.Lock()
	var d *descriptor
	if r.auxName != "" {
		d = r.findLocked(r.auxName)
	}
	if d == nil {
		r.mu.Unlock()
		return "", fmt.Errorf("no auxiliary provider configured")
	}
	if !r.eligibleLocked(d, r.cycle) {
		r.mu.Unlock()
		return "", fmt.Errorf("auxiliary provider %s: %w", d.provider.Name(), ErrUnavailable)
	}
	r.mu.Unlock()

	return r.attempt(ctx, d, req)
}

// AuxiliaryName returns the current auxiliary provider name, or "".
func (r *Router) AuxiliaryName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auxName
}

// SwitchActive hot-swaps the primary provider: name is tried first
// from the next cycle on, with the remaining candidates keeping their
// configured order. When preserveAuxiliary is false the auxiliary
// provider is cleared along with the switch.
func (r *Router) SwitchActive(name string, preserveAuxiliary bool) error {
	r.mu.Lock()
	if r.findLocked(name) == nil {
		r.mu.Unlock()
		return fmt.Errorf("unknown provider %q", name)
	}
	r.activeName = name
	if !preserveAuxiliary {
		r.auxName = ""
	}
	r.mu.Unlock()

	r.logger.Info("active provider switched",
		"provider", name,
		"preserve_auxiliary", preserveAuxiliary,
	)
	r.bus.Publish(events.Event{
		Timestamp: r.now(),
		Source:    events.SourceRouter,
		Kind:      events.KindProviderSwitch,
		Data:      map[string]any{"provider": name, "preserve_auxiliary": preserveAuxiliary},
	})
	return nil
}

// RecordOutcome folds one call attempt into the named provider's
// health record: EMA latency smoothing, consecutive-failure and
// sustained-slow breaker transitions, and half-open resolution.
// Smoothed (EMA) latency is canonical for the slow-disable rule.
func (r *Router) RecordOutcome(name string, latency time.Duration, callErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.findLocked(name)
	if d == nil {
		return
	}

	if callErr != nil {
		d.consecutiveFailures++
		d.consecutiveSlow = 0
		d.lastErr = callErr

		if d.state == StateHalfOpen {
			// The probe failed: straight back to disabled.
			r.disableLocked(d, "half_open_probe_failed")
			return
		}
		if d.consecutiveFailures >= r.failureLimit {
			r.disableLocked(d, fmt.Sprintf("%d consecutive failures", d.consecutiveFailures))
		}
		return
	}

	// Success clears all failure counters and closes a half-open probe.
	d.consecutiveFailures = 0
	d.lastErr = nil
	if d.state != StateHealthy {
		d.state = StateHealthy
		r.publishStateLocked(d, "recovered")
	}

	if d.emaLatency == 0 {
		d.emaLatency = latency
	} else {
		decay := d.cfg.LatencyDecay
		d.emaLatency = time.Duration(decay*float64(d.emaLatency) + (1-decay)*float64(latency))
	}

	if d.emaLatency > d.cfg.SlowThreshold() {
		d.consecutiveSlow++
		if d.consecutiveSlow >= r.slowCallLimit {
			d.consecutiveSlow = 0
			r.disableLocked(d, "sustained slow latency")
		}
	} else {
		d.consecutiveSlow = 0
	}
}

// Health is the per-provider health surface.
type Health struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	AvgLatencyMS        int64  `json:"avg_latency_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// GetHealth returns per-provider stats in priority order.
func (r *Router) GetHealth() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Health, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		h := Health{
			Name:                d.provider.Name(),
			State:               d.state.String(),
			AvgLatencyMS:        d.emaLatency.Milliseconds(),
			ConsecutiveFailures: d.consecutiveFailures,
		}
		if d.lastErr != nil {
			h.LastError = d.lastErr.Error()
		}
		out = append(out, h)
	}
	return out
}

// attempt runs one bounded call against d and records its outcome.
func (r *Router) attempt(ctx context.Context, d *descriptor, req Request) (string, error) {
	name := d.provider.Name()

	cctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout())
	start := r.now()
	text, err := d.provider.Invoke(cctx, req)
	latency := r.now().Sub(start)
	cancel()

	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded)) {
		err = ErrTimeout
	}

	r.RecordOutcome(name, latency, err)

	r.bus.Publish(events.Event{
		Timestamp: r.now(),
		Source:    events.SourceRouter,
		Kind:      events.KindProviderAttempt,
		Data: map[string]any{
			"provider":   name,
			"ok":         err == nil,
			"latency_ms": latency.Milliseconds(),
			"error":      errString(err),
		},
	})

	if err != nil {
		r.logger.Debug("provider attempt failed",
			"provider", name,
			"latency", latency.String(),
			"error", err,
		)
		return "", err
	}
	return text, nil
}

// beginCycle advances the tick cycle counter and snapshots the
// eligible candidates for it, active-primary first.
func (r *Router) beginCycle() []*descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cycle++

	ordered := make([]*descriptor, 0, len(r.descriptors))
	if r.activeName != "" {
		if d := r.findLocked(r.activeName); d != nil {
			ordered = append(ordered, d)
		}
	}
	for _, d := range r.descriptors {
		if d.provider.Name() == r.activeName {
			continue
		}
		ordered = append(ordered, d)
	}

	eligible := make([]*descriptor, 0, len(ordered))
	for _, d := range ordered {
		if r.eligibleLocked(d, r.cycle) {
			eligible = append(eligible, d)
		}
	}
	return eligible
}

// eligibleLocked decides whether d may be attempted this cycle and
// applies the disabled → half-open transition when its cool-down has
// elapsed. Half-open providers get exactly one probe per cycle.
func (r *Router) eligibleLocked(d *descriptor, cycle uint64) bool {
	switch d.state {
	case StateHealthy:
		return true
	case StateDisabled:
		if r.nowFunc().Before(d.disabledUntil) {
			return false
		}
		d.state = StateHalfOpen
		d.lastProbeCycle = cycle
		r.publishStateLocked(d, "cooldown elapsed")
		return true
	case StateHalfOpen:
		if d.lastProbeCycle >= cycle {
			return false
		}
		d.lastProbeCycle = cycle
		return true
	}
	return false
}

func (r *Router) disableLocked(d *descriptor, reason string) {
	d.state = StateDisabled
	d.disabledUntil = r.nowFunc().Add(r.cooldown)
	r.logger.Warn("provider disabled",
		"provider", d.provider.Name(),
		"reason", reason,
		"until", d.disabledUntil,
	)
	r.publishStateLocked(d, reason)
}

func (r *Router) publishStateLocked(d *descriptor, reason string) {
	r.bus.Publish(events.Event{
		Timestamp: r.nowFunc(),
		Source:    events.SourceRouter,
		Kind:      events.KindProviderState,
		Data: map[string]any{
			"provider": d.provider.Name(),
			"state":    d.state.String(),
			"reason":   reason,
		},
	})
}

func (r *Router) findLocked(name string) *descriptor {
	for _, d := range r.descriptors {
		if d.provider.Name() == name {
			return d
		}
	}
	return nil
}

func (r *Router) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowFunc()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
