package mqtt

import (
	"testing"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
)

func TestEventTopicMapping(t *testing.T) {
	t.Parallel()

	p := New(config.MQTTConfig{BaseTopic: "coach"}, nil, nil)

	tests := []struct {
		name      string
		ev        events.Event
		wantTopic string
		wantOK    bool
	}{
		{
			name: "tick decision goes to the session topic",
			ev: events.Event{
				Source: events.SourceCoach,
				Kind:   events.KindTickDecision,
				Data:   map[string]any{"session_id": "abc"},
			},
			wantTopic: "coach/sessions/abc/decision",
			wantOK:    true,
		},
		{
			name: "debrief shares the session topic",
			ev: events.Event{
				Source: events.SourceCoach,
				Kind:   events.KindDebrief,
				Data:   map[string]any{"session_id": "abc"},
			},
			wantTopic: "coach/sessions/abc/decision",
			wantOK:    true,
		},
		{
			name: "decision without a session id is dropped",
			ev: events.Event{
				Source: events.SourceCoach,
				Kind:   events.KindTickDecision,
				Data:   map[string]any{},
			},
			wantOK: false,
		},
		{
			name: "supervised loop degraded goes to the health topic",
			ev: events.Event{
				Source: events.SourceRetry,
				Kind:   events.KindDegraded,
				Data:   map[string]any{"name": "mqtt", "degraded": true},
			},
			wantTopic: "coach/health/degraded",
			wantOK:    true,
		},
		{
			name: "router state change goes to the provider topic",
			ev: events.Event{
				Source: events.SourceRouter,
				Kind:   events.KindProviderState,
			},
			wantTopic: "coach/providers/provider_state",
			wantOK:    true,
		},
		{
			name: "session lifecycle goes to the sessions topic",
			ev: events.Event{
				Source: events.SourceSession,
				Kind:   events.KindSessionStart,
			},
			wantTopic: "coach/sessions/session_start",
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			topic, ok := p.eventTopic(tt.ev)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if topic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", topic, tt.wantTopic)
			}
		})
	}
}
