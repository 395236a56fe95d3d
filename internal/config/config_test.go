package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestSlowThresholdMustExceedTimeout(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Providers[0].SlowThresholdMS = cfg.Providers[0].TimeoutMS

	err := cfg.Validate()
	if err == nil {
		t.Fatal("slow_threshold_ms == timeout_ms must fail validation")
	}
	if !strings.Contains(err.Error(), "slow_threshold_ms") {
		t.Errorf("error = %v, want it to name slow_threshold_ms", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"empty provider name", func(c *Config) { c.Providers[0].Name = "" }},
		{"duplicate provider", func(c *Config) {
			c.Providers = append(c.Providers, c.Providers[0])
		}},
		{"zero timeout", func(c *Config) { c.Providers[0].TimeoutMS = 0 }},
		{"decay at one", func(c *Config) { c.Providers[0].LatencyDecay = 1 }},
		{"decay at zero", func(c *Config) { c.Providers[0].LatencyDecay = 0 }},
		{"unknown auxiliary", func(c *Config) { c.Routing.Auxiliary = "nope" }},
		{"failure limit of one", func(c *Config) { c.Routing.FailureLimit = 1 }},
		{"zero cooldown", func(c *Config) { c.Routing.CooldownSec = 0 }},
		{"inverted intervals", func(c *Config) {
			c.Decision.MinIntervalSec = 50
			c.Decision.MaxIntervalSec = 10
		}},
		{"missing severity interval", func(c *Config) {
			delete(c.Decision.BaseIntervalSec, "critical")
		}},
		{"probability above one", func(c *Config) { c.Decision.InsightProbability = 1.5 }},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }},
		{"zero cache ttl", func(c *Config) { c.Cache.TTLSec = 0 }},
		{"single bucket", func(c *Config) { c.Buckets.Tempo = c.Buckets.Tempo[2:] }},
		{"non-increasing buckets", func(c *Config) {
			v := 50.0
			c.Buckets.Tempo[1].Upper = &v
		}},
		{"bounded last bucket", func(c *Config) {
			v := 500.0
			c.Buckets.Tempo[2].Upper = &v
		}},
		{"retry base above max", func(c *Config) {
			c.Retry.BaseDelaySec = 120
			c.Retry.MaxDelaySec = 60
		}},
		{"mqtt enabled without broker", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("%s: expected validation error", tc.name)
			}
		})
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_COACH_API_KEY", "sk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "coach.yaml")
	yaml := `
providers:
  - name: ollama
    priority: 1
    timeout_ms: 1500
    slow_threshold_ms: 2500
    latency_decay: 0.8
  - name: anthropic
    priority: 2
    timeout_ms: 2000
    slow_threshold_ms: 4000
    latency_decay: 0.8
anthropic:
  api_key: ${TEST_COACH_API_KEY}
  model: claude-haiku
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want the expanded env value", cfg.Anthropic.APIKey)
	}
	if len(cfg.Providers) != 2 {
		t.Errorf("providers = %d, want 2", len(cfg.Providers))
	}
	// Defaults survive a partial file.
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want defaulted 8080", cfg.Listen.Port)
	}
	if cfg.Cache.Capacity != 256 {
		t.Errorf("cache capacity = %d, want defaulted 256", cfg.Cache.Capacity)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "coach.yaml")
	yaml := `
providers:
  - name: ollama
    priority: 1
    timeout_ms: 2000
    slow_threshold_ms: 1000
    latency_decay: 0.8
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("a config violating the slow-threshold invariant must refuse to load")
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	t.Parallel()

	if _, err := FindConfig("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for a missing explicit path")
	}
}

func TestProviderDurationHelpers(t *testing.T) {
	t.Parallel()

	p := ProviderConfig{TimeoutMS: 1500, SlowThresholdMS: 2500}
	if p.Timeout().Milliseconds() != 1500 {
		t.Errorf("Timeout = %v", p.Timeout())
	}
	if p.SlowThreshold().Milliseconds() != 2500 {
		t.Errorf("SlowThreshold = %v", p.SlowThreshold())
	}
}
