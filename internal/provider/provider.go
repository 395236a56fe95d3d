// Package provider routes text-generation requests across upstream
// providers with health tracking, circuit-breaker disables, and a
// deterministic local fallback that is always available.
package provider

import (
	"context"
	"errors"
)

// Style selects which response contract a request uses. The live and
// debrief contracts are deliberately separate operations end to end so
// the two cannot blend by accident.
type Style int

const (
	// StyleLive requests a terse, real-time cue (one short sentence).
	StyleLive Style = iota
	// StyleDebrief requests an explanatory post-session summary.
	StyleDebrief
)

// String returns the wire name for the style.
func (s Style) String() string {
	if s == StyleDebrief {
		return "debrief"
	}
	return "live"
}

// Request describes one text-generation request. Severity, Phase, and
// Tone are plain class names so the package stays independent of the
// decision engine's types.
type Request struct {
	SessionID string
	Prompt    string
	MaxTokens int
	Style     Style
	Severity  string
	Phase     string
	Tone      string
}

// Provider is the capability interface every upstream adapter
// implements. Invoke must honor ctx cancellation; the router applies
// the per-provider call timeout through ctx.
type Provider interface {
	// Name returns the configured provider name.
	Name() string
	// Invoke generates text for req or fails.
	Invoke(ctx context.Context, req Request) (string, error)
}

// Failure classes. The router resolves all of these locally; none of
// them ever reaches a tick caller.
var (
	// ErrTimeout marks an attempt abandoned at its per-call budget.
	ErrTimeout = errors.New("provider call timed out")
	// ErrUnavailable marks a provider skipped because its breaker is open.
	ErrUnavailable = errors.New("provider disabled")
	// ErrExhausted marks a cycle in which every candidate failed and
	// the deterministic template was served instead.
	ErrExhausted = errors.New("all providers exhausted")
	// ErrEmptyResponse marks a syntactically valid reply with no text.
	ErrEmptyResponse = errors.New("provider returned empty response")
)
