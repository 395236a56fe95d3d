package coach

import (
	"fmt"
	"math/rand"
	"sync"
)

// Bank holds the deterministic template texts and the pre-approved
// lexical variants. It is the router's always-available fallback and
// the source for welcome, safety, and debrief texts.
//
// Variant substitution uses an injectable randomness source so tests
// can pin exact picks. Safety templates are never substituted.
type Bank struct {
	mu                 sync.Mutex
	rng                *rand.Rand
	variantProbability float64
}

// NewBank creates a template bank. rng may be nil, in which case
// variants are never substituted (probability zero behaves the same).
func NewBank(variantProbability float64, rng *rand.Rand) *Bank {
	return &Bank{rng: rng, variantProbability: variantProbability}
}

var baseCues = map[Severity]string{
	SeverityCalm:     "Nice and steady. Keep this rhythm going.",
	SeverityModerate: "Good pace. Stay relaxed through the shoulders.",
	SeverityIntense:  "You are working hard now. Control your breathing.",
}

var cueVariants = map[Severity][]string{
	SeverityCalm: {
		"Smooth and easy. This is a good cruising pace.",
		"Relaxed and steady. Well done.",
	},
	SeverityModerate: {
		"Solid effort. Keep the breathing even.",
		"Right where you want to be. Hold it here.",
	},
	SeverityIntense: {
		"Big effort. Long exhales, stay in control.",
		"Strong work. Ease the pace a touch if you need to.",
	},
}

var safetyCues = map[Phase]string{
	PhaseWarmup:   "Slow down now. Your effort is spiking early, ease right off.",
	PhaseMain:     "Back off now. Drop the pace and breathe until this settles.",
	PhaseCooldown: "Stop pushing. Walk it out slowly and let your heart rate come down.",
}

// defaultSafetyCue covers an unknown phase. Safety text must always exist.
const defaultSafetyCue = "Ease off now. Slow down and focus on your breathing."

// Cue returns the spoken template for a non-critical severity,
// occasionally substituting a pre-approved lexical variant.
func (b *Bank) Cue(severity Severity) string {
	base, ok := baseCues[severity]
	if !ok {
		base = baseCues[SeverityModerate]
	}

	variants := cueVariants[severity]
	if len(variants) == 0 {
		return base
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil || b.rng.Float64() >= b.variantProbability {
		return base
	}
	return variants[b.rng.Intn(len(variants))]
}

// Safety returns the safety-override text for the phase. Never
// substituted, never empty.
func (b *Bank) Safety(phase Phase) string {
	if cue, ok := safetyCues[phase]; ok {
		return cue
	}
	return defaultSafetyCue
}

// Welcome returns the session-opening text, colored by the stored
// tone preference.
func (b *Bank) Welcome(tone string) string {
	switch tone {
	case "direct":
		return "Session started. Settle into your warmup pace."
	case "calm":
		return "We are underway. Take your time finding a comfortable rhythm."
	default:
		return "Let's go! Find an easy rhythm and we will build from there."
	}
}

// Debrief returns the deterministic post-session summary used when no
// upstream provider is available for the debrief.
func (b *Bank) Debrief(cues int, peak Severity) string {
	return fmt.Sprintf(
		"Session complete. You received %d coaching cues and peaked at %s effort. Recover well.",
		cues, peak)
}

// Chance draws one probability check from the bank's randomness
// source. Used for the insight admission gate so all randomized
// behavior shares one seedable source.
func (b *Bank) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil {
		return false
	}
	return b.rng.Float64() < p
}
