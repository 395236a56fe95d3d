// Package coach implements the per-tick decision engine: a small
// state machine that turns one sensor reading into a speak-or-silence
// decision, an output interval, and a reason code. The engine is
// total: every tick returns a decision, never an error.
package coach

import "fmt"

// Severity is the ordered exertion/urgency classification, lowest to
// highest. Critical is the safety tier: it always forces output.
type Severity int

const (
	SeverityCalm Severity = iota
	SeverityModerate
	SeverityIntense
	SeverityCritical
)

var severityNames = [...]string{"calm", "moderate", "intense", "critical"}

// String returns the wire name for the severity.
func (s Severity) String() string {
	if s < SeverityCalm || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity converts a wire name to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// Trend is the direction the severity signal is moving.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// ParseTrend validates a wire trend name.
func ParseTrend(name string) (Trend, error) {
	switch Trend(name) {
	case TrendRising, TrendFalling, TrendStable:
		return Trend(name), nil
	}
	return "", fmt.Errorf("unknown trend %q", name)
}

// Phase is the workout phase a tick belongs to.
type Phase string

const (
	PhaseWarmup   Phase = "warmup"
	PhaseMain     Phase = "main"
	PhaseCooldown Phase = "cooldown"
)

// ParsePhase validates a wire phase name.
func ParsePhase(name string) (Phase, error) {
	switch Phase(name) {
	case PhaseWarmup, PhaseMain, PhaseCooldown:
		return Phase(name), nil
	}
	return "", fmt.Errorf("unknown phase %q", name)
}

// Reason codes for tick decisions, in rule order.
const (
	ReasonCriticalOverride = "critical_override"
	ReasonFirstTick        = "first_tick"
	ReasonTooFrequent      = "too_frequent"
	ReasonOptimal          = "optimal"
	ReasonChange           = "change"
	ReasonOvertalkGuard    = "overtalk_guard"
	ReasonNoTrigger        = "no_trigger"
)

// Input is one tick's sensor reading. Immutable once constructed.
type Input struct {
	SessionID      string
	Severity       Severity
	Tempo          float64
	Amplitude      float64
	Trend          Trend
	Phase          Phase
	ElapsedSeconds int
}

// Output is one tick's decision.
type Output struct {
	ShouldEmit      bool   `json:"should_emit"`
	Text            string `json:"text,omitempty"`
	IntervalSeconds int    `json:"interval_seconds"`
	ReasonCode      string `json:"reason_code"`
	// ProviderUsed is the name of the upstream provider that produced
	// Text, or "cache" / "template". Empty on silent ticks.
	ProviderUsed string `json:"provider_used,omitempty"`
}

// Source names for Output.ProviderUsed beyond upstream provider names.
const (
	SourceCache    = "cache"
	SourceTemplate = "template"
)
