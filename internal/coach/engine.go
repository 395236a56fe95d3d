package coach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/fingerprint"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/provider"
)

// TextSource is the engine's view of the provider router. The engine
// never sees a provider error from SelectAndInvoke: the router always
// returns some text.
type TextSource interface {
	SelectAndInvoke(ctx context.Context, req provider.Request) (text, source string)
	InvokeAuxiliary(ctx context.Context, req provider.Request) (string, error)
	AuxiliaryName() string
}

// band is a parsed optimal-severity band for one phase.
type band struct {
	low, high  Severity
	silenceCap int
}

// Engine evaluates the decision rules for every tick. One Engine
// serves all sessions; all per-session state lives in *State, which
// each session owns exclusively.
type Engine struct {
	cfg     config.DecisionConfig
	buckets fingerprint.Buckets
	cache   *fingerprint.Cache
	texts   TextSource
	bank    *Bank
	bands   map[Phase]band
	logger  *slog.Logger
	bus     *events.Bus
}

// NewEngine builds the decision engine from validated configuration.
func NewEngine(cfg config.DecisionConfig, buckets fingerprint.Buckets, cache *fingerprint.Cache, texts TextSource, bank *Bank, logger *slog.Logger, bus *events.Bus) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bands := make(map[Phase]band, len(cfg.OptimalBands))
	for phaseName, bc := range cfg.OptimalBands {
		phase, err := ParsePhase(phaseName)
		if err != nil {
			return nil, fmt.Errorf("optimal_bands: %w", err)
		}
		low, err := ParseSeverity(bc.Low)
		if err != nil {
			return nil, fmt.Errorf("optimal_bands.%s.low: %w", phaseName, err)
		}
		high, err := ParseSeverity(bc.High)
		if err != nil {
			return nil, fmt.Errorf("optimal_bands.%s.high: %w", phaseName, err)
		}
		if high < low {
			return nil, fmt.Errorf("optimal_bands.%s: high %q below low %q", phaseName, bc.High, bc.Low)
		}
		bands[phase] = band{low: low, high: high, silenceCap: bc.SilenceCap}
	}

	return &Engine{
		cfg:     cfg,
		buckets: buckets,
		cache:   cache,
		texts:   texts,
		bank:    bank,
		bands:   bands,
		logger:  logger.With("component", "coach"),
		bus:     bus,
	}, nil
}

// Tick evaluates one sensor reading against the session state and
// returns the decision. Rules are checked in a fixed order and the
// first match wins. Tick is total: it always returns a decision.
func (e *Engine) Tick(ctx context.Context, st *State, in Input) Output {
	st.Phase = in.Phase
	st.ElapsedSeconds = in.ElapsedSeconds

	out := e.decide(ctx, st, in)

	e.record(st, in, out)
	e.publish(st, in, out)
	return out
}

// decide runs the rule chain and, when the decision is SPEAK, selects
// the text.
func (e *Engine) decide(ctx context.Context, st *State, in Input) Output {
	// Rule 1: safety override. Highest priority, never itself
	// overridden. Bypasses minimum gap, overtalk guard, and the cache,
	// and always uses the deterministic template so a slow upstream
	// can never delay a safety cue. Interval is pinned to the fixed
	// critical value regardless of phase.
	if in.Severity == SeverityCritical {
		return Output{
			ShouldEmit:      true,
			Text:            e.bank.Safety(in.Phase),
			IntervalSeconds: e.cfg.CriticalIntervalSec,
			ReasonCode:      ReasonCriticalOverride,
			ProviderUsed:    SourceTemplate,
		}
	}

	interval := e.interval(in)

	// Rule 2: first tick of the session speaks a welcome.
	if st.FirstTick() {
		return Output{
			ShouldEmit:      true,
			Text:            e.bank.Welcome(st.Summary.Tone),
			IntervalSeconds: interval,
			ReasonCode:      ReasonFirstTick,
			ProviderUsed:    SourceTemplate,
		}
	}

	severityChanged := st.hasPrev && in.Severity != st.prevSeverity

	// Rule 3: minimum gap between cues. A material severity change is
	// exempt so the machine can still react between gaps.
	if st.spoken && !severityChanged {
		if gap := in.ElapsedSeconds - st.lastSpeakElapsed; gap < e.cfg.MinGapSec {
			return Output{IntervalSeconds: interval, ReasonCode: ReasonTooFrequent}
		}
	}

	// Rule 4: inside the phase's optimal band, silence signals
	// confidence, up to a phase-specific cap on the silent run.
	if b, ok := e.bands[in.Phase]; ok {
		if in.Severity >= b.low && in.Severity <= b.high && st.consecutiveSilence < b.silenceCap {
			return Output{IntervalSeconds: interval, ReasonCode: ReasonOptimal}
		}
	}

	// Rule 5: a material severity change always warrants a cue.
	if severityChanged {
		text, source := e.selectText(ctx, st, in)
		return Output{
			ShouldEmit:      true,
			Text:            text,
			IntervalSeconds: interval,
			ReasonCode:      ReasonChange,
			ProviderUsed:    source,
		}
	}

	// Rule 6: overtalk guard. Forces a breather after a long run of
	// cues and pushes the next interval out.
	if st.consecutiveSpeak >= e.cfg.OvertalkThreshold {
		return Output{
			IntervalSeconds: interval + e.cfg.OvertalkCooldownBonusSec,
			ReasonCode:      ReasonOvertalkGuard,
		}
	}

	// Rule 7: nothing to say.
	return Output{IntervalSeconds: interval, ReasonCode: ReasonNoTrigger}
}

// interval computes the next output interval for a non-critical tick:
// base interval by severity, adjusted by phase, clamped to the
// configured range.
func (e *Engine) interval(in Input) int {
	v := e.cfg.BaseIntervalSec[in.Severity.String()] + e.cfg.PhaseModifierSec[string(in.Phase)]
	if v < e.cfg.MinIntervalSec {
		v = e.cfg.MinIntervalSec
	}
	if v > e.cfg.MaxIntervalSec {
		v = e.cfg.MaxIntervalSec
	}
	return v
}

// selectText picks the cue text for an ordinary SPEAK decision:
// cached text first, then an occasional auxiliary insight, then the
// router (which itself falls back to the template bank). Router
// results are written back to the cache; insights are not, so they
// stay occasional.
func (e *Engine) selectText(ctx context.Context, st *State, in Input) (string, string) {
	key := e.fingerprintKey(in, "live")
	st.lastFingerprint = key

	if text, ok := e.cache.Get(key); ok {
		return text, SourceCache
	}

	if aux := e.texts.AuxiliaryName(); aux != "" && e.insightEligible(st, in) {
		if e.bank.Chance(e.cfg.InsightProbability) {
			text, err := e.texts.InvokeAuxiliary(ctx, e.request(st, in))
			if err == nil {
				st.insightGiven = true
				st.insightElapsed = in.ElapsedSeconds
				return text, aux
			}
			e.logger.Debug("auxiliary insight unavailable", "session_id", st.SessionID, "error", err)
		}
	}

	text, source := e.texts.SelectAndInvoke(ctx, e.request(st, in))
	e.cache.Put(key, text)
	return text, source
}

// insightEligible limits auxiliary insights to at most one per rolling
// window.
func (e *Engine) insightEligible(st *State, in Input) bool {
	if !st.insightGiven {
		return true
	}
	return in.ElapsedSeconds-st.insightElapsed >= e.cfg.InsightWindowSec
}

// fingerprintKey builds the cache key for one tick.
func (e *Engine) fingerprintKey(in Input, mode string) string {
	return e.buckets.Key(in.Severity.String(), string(in.Trend), in.Tempo, in.Amplitude, string(in.Phase), mode)
}

// request builds the provider request for one tick.
func (e *Engine) request(st *State, in Input) provider.Request {
	prompt := fmt.Sprintf(
		"The athlete is in the %s phase at %s effort (trend %s, tempo %.0f, depth %.2f). Give one coaching cue.",
		in.Phase, in.Severity, in.Trend, in.Tempo, in.Amplitude)
	return provider.Request{
		SessionID: st.SessionID,
		Prompt:    prompt,
		MaxTokens: 60,
		Style:     provider.StyleLive,
		Severity:  in.Severity.String(),
		Phase:     string(in.Phase),
		Tone:      st.Summary.Tone,
	}
}

// record applies post-decision bookkeeping to the session state.
func (e *Engine) record(st *State, in Input, out Output) {
	if out.ReasonCode == ReasonCriticalOverride {
		// Safety override resets both runs to zero; the critical cue
		// does not open a speak run of its own.
		st.consecutiveSpeak = 0
		st.consecutiveSilence = 0
		st.safetyEvents++
		st.spoken = true
		st.lastSpeakElapsed = in.ElapsedSeconds
	} else if out.ShouldEmit {
		st.consecutiveSpeak++
		st.consecutiveSilence = 0
		st.spoken = true
		st.lastSpeakElapsed = in.ElapsedSeconds
	} else {
		st.consecutiveSilence++
		st.consecutiveSpeak = 0
	}
	if out.ShouldEmit {
		st.emitted++
	}

	if in.Severity > st.peak {
		st.peak = in.Severity
	}
	st.prevSeverity = in.Severity
	st.hasPrev = true
	st.lastTrend = in.Trend

	st.push(Record{
		ElapsedSeconds: in.ElapsedSeconds,
		Severity:       in.Severity,
		SeverityName:   in.Severity.String(),
		Emitted:        out.ShouldEmit,
		ReasonCode:     out.ReasonCode,
	})
}

func (e *Engine) publish(st *State, in Input, out Output) {
	e.logger.Debug("tick decided",
		"session_id", st.SessionID,
		"severity", in.Severity.String(),
		"phase", string(in.Phase),
		"emit", out.ShouldEmit,
		"reason", out.ReasonCode,
		"interval", out.IntervalSeconds,
		"source", out.ProviderUsed,
	)
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCoach,
		Kind:      events.KindTickDecision,
		Data: map[string]any{
			"session_id":       st.SessionID,
			"severity":         in.Severity.String(),
			"phase":            string(in.Phase),
			"should_emit":      out.ShouldEmit,
			"reason_code":      out.ReasonCode,
			"interval_seconds": out.IntervalSeconds,
			"provider_used":    out.ProviderUsed,
		},
	})
}

// Debrief produces the explanatory post-session summary. Unlike live
// ticks it allows a few sentences and is not latency sensitive, but
// it shares the router's guarantee: some text always comes back.
func (e *Engine) Debrief(ctx context.Context, st *State) (string, string) {
	cues := st.emittedCount()
	prompt := fmt.Sprintf(
		"Write a short debrief for a workout session: %d coaching cues were given, peak effort was %s, "+
			"%d safety overrides occurred. The athlete prefers a %s tone.",
		cues, st.peak, st.safetyEvents, st.Summary.Tone)

	text, source := e.texts.SelectAndInvoke(ctx, provider.Request{
		SessionID: st.SessionID,
		Prompt:    prompt,
		MaxTokens: 200,
		Style:     provider.StyleDebrief,
		Severity:  st.peak.String(),
		Phase:     string(st.Phase),
		Tone:      st.Summary.Tone,
	})
	if source == provider.FallbackSource {
		// The bank has a dedicated debrief template; the live cue
		// fallback would read oddly here.
		text = e.bank.Debrief(cues, st.peak)
	}

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCoach,
		Kind:      events.KindDebrief,
		Data: map[string]any{
			"session_id": st.SessionID,
			"cues":       cues,
			"peak":       st.peak.String(),
			"source":     source,
		},
	})
	return text, source
}
