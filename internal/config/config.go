// Package config handles coachd configuration loading and validation.
//
// Configuration is a single YAML file discovered via DefaultSearchPaths
// (or an explicit -config flag). Validation is deliberately strict: any
// violation of a routing or decision invariant (for example a provider
// whose slow-latency threshold is not greater than its call timeout)
// refuses startup entirely rather than running with a broken invariant.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./coach.yaml, ~/.config/coach/coach.yaml, /etc/coach/coach.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"coach.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "coach", "coach.yaml"))
	}

	paths = append(paths, "/etc/coach/coach.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all coachd configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	Ollama    OllamaConfig     `yaml:"ollama"`
	Anthropic AnthropicConfig  `yaml:"anthropic"`
	Decision  DecisionConfig   `yaml:"decision"`
	Cache     CacheConfig      `yaml:"cache"`
	Buckets   BucketsConfig    `yaml:"buckets"`
	Retry     RetryConfig      `yaml:"retry"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	DataDir   string           `yaml:"data_dir"`
	LogLevel  string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig describes one upstream text provider in the routing
// order. Priority 1 is tried first.
type ProviderConfig struct {
	Name            string  `yaml:"name"`     // ollama, anthropic
	Priority        int     `yaml:"priority"` // 1 = primary
	TimeoutMS       int     `yaml:"timeout_ms"`
	SlowThresholdMS int     `yaml:"slow_threshold_ms"` // must exceed timeout_ms
	LatencyDecay    float64 `yaml:"latency_decay"`     // EMA decay factor, in (0,1)
}

// Timeout returns the per-call budget as a duration.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// SlowThreshold returns the smoothed-latency disable threshold.
func (p ProviderConfig) SlowThreshold() time.Duration {
	return time.Duration(p.SlowThresholdMS) * time.Millisecond
}

// RoutingConfig holds router-wide circuit-breaker settings.
type RoutingConfig struct {
	// FailureLimit is the number of consecutive hard failures that
	// disables a provider. Must be at least 2: a single timeout must
	// never disable a provider.
	FailureLimit int `yaml:"failure_limit"`
	// SlowCallLimit is the number of consecutive successful calls with
	// a smoothed latency above the slow threshold that disables a
	// provider.
	SlowCallLimit int `yaml:"slow_call_limit"`
	// CooldownSec is how long a disabled provider sits out before it
	// becomes eligible for a half-open probe.
	CooldownSec int `yaml:"cooldown_sec"`
	// Auxiliary names the provider reserved for periodic high-level
	// insights. Empty disables the insight path.
	Auxiliary string `yaml:"auxiliary"`
}

// Cooldown returns the disable cool-down window.
func (r RoutingConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSec) * time.Second
}

// OllamaConfig defines the local Ollama provider endpoint.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// DecisionConfig holds the per-tick decision tables.
type DecisionConfig struct {
	// MinGapSec is the minimum spacing between spoken cues. Severity
	// changes and safety overrides bypass it.
	MinGapSec int `yaml:"min_gap_sec"`
	// BaseIntervalSec maps severity name to base output interval.
	BaseIntervalSec map[string]int `yaml:"base_interval_sec"`
	// PhaseModifierSec maps phase name to an interval adjustment.
	PhaseModifierSec map[string]int `yaml:"phase_modifier_sec"`
	MinIntervalSec   int            `yaml:"min_interval_sec"`
	MaxIntervalSec   int            `yaml:"max_interval_sec"`
	// CriticalIntervalSec is the fixed minimal interval used whenever
	// severity is critical, regardless of phase.
	CriticalIntervalSec int `yaml:"critical_interval_sec"`
	// OvertalkThreshold is the consecutive-speak run that forces a
	// silent tick.
	OvertalkThreshold        int `yaml:"overtalk_threshold"`
	OvertalkCooldownBonusSec int `yaml:"overtalk_cooldown_bonus_sec"`
	// OptimalBands maps phase name to the severity band where silence
	// signals confidence.
	OptimalBands map[string]BandConfig `yaml:"optimal_bands"`
	// InsightWindowSec is the rolling window limiting auxiliary
	// insights to at most one per window.
	InsightWindowSec int `yaml:"insight_window_sec"`
	// InsightProbability admits an eligible insight with this chance.
	InsightProbability float64 `yaml:"insight_probability"`
	// VariantProbability substitutes a lexical variant for a template
	// cue with this chance. Safety templates are never substituted.
	VariantProbability float64 `yaml:"variant_probability"`
}

// BandConfig is an inclusive severity band with a cap on how long the
// engine stays silent inside it.
type BandConfig struct {
	Low        string `yaml:"low"`
	High       string `yaml:"high"`
	SilenceCap int    `yaml:"silence_cap"`
}

// CacheConfig bounds the fingerprint cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
	TTLSec   int `yaml:"ttl_sec"`
}

// TTL returns the cache entry time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// BucketsConfig holds the fingerprint bucket boundary tables.
type BucketsConfig struct {
	Tempo     []Bucket `yaml:"tempo"`
	Amplitude []Bucket `yaml:"amplitude"`
}

// Bucket labels one fingerprint class. Upper is the exclusive upper
// boundary; the last bucket omits it and catches everything above.
type Bucket struct {
	Label string   `yaml:"label"`
	Upper *float64 `yaml:"upper"`
}

// RetryConfig tunes the bounded-retry supervisor.
type RetryConfig struct {
	BaseDelaySec        int `yaml:"base_delay_sec"`
	MaxDelaySec         int `yaml:"max_delay_sec"`
	EmptyDelaySec       int `yaml:"empty_delay_sec"`
	MaxAttempts         int `yaml:"max_attempts"`
	WindowSec           int `yaml:"window_sec"`
	DegradedCooldownSec int `yaml:"degraded_cooldown_sec"`
}

// MQTTConfig defines the optional decision/availability publisher.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"` // default "coach"
}

// Load reads configuration from a YAML file, applies defaults, and
// validates it. A validation error here must abort startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration that passes Validate on its own:
// a single local provider, conservative decision tables, and the
// standard bucket boundaries.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Providers: []ProviderConfig{
			{Name: "ollama", Priority: 1, TimeoutMS: 1500, SlowThresholdMS: 2500, LatencyDecay: 0.8},
		},
		Routing: RoutingConfig{
			FailureLimit:  3,
			SlowCallLimit: 5,
			CooldownSec:   30,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen3:4b",
		},
		Decision: DecisionConfig{
			MinGapSec: 15,
			BaseIntervalSec: map[string]int{
				"calm":     45,
				"moderate": 30,
				"intense":  20,
				"critical": 5,
			},
			PhaseModifierSec: map[string]int{
				"warmup":   10,
				"main":     0,
				"cooldown": 15,
			},
			MinIntervalSec:           10,
			MaxIntervalSec:           90,
			CriticalIntervalSec:      5,
			OvertalkThreshold:        4,
			OvertalkCooldownBonusSec: 20,
			OptimalBands: map[string]BandConfig{
				"warmup":   {Low: "calm", High: "moderate", SilenceCap: 3},
				"main":     {Low: "moderate", High: "moderate", SilenceCap: 4},
				"cooldown": {Low: "calm", High: "moderate", SilenceCap: 3},
			},
			InsightWindowSec:   180,
			InsightProbability: 0.35,
			VariantProbability: 0.2,
		},
		Cache: CacheConfig{Capacity: 256, TTLSec: 2700},
		Buckets: BucketsConfig{
			Tempo: []Bucket{
				{Label: "slow", Upper: f(90)},
				{Label: "steady", Upper: f(150)},
				{Label: "fast", Upper: nil},
			},
			Amplitude: []Bucket{
				{Label: "shallow", Upper: f(0.4)},
				{Label: "normal", Upper: f(0.75)},
				{Label: "deep", Upper: nil},
			},
		},
		Retry: RetryConfig{
			BaseDelaySec:        2,
			MaxDelaySec:         60,
			EmptyDelaySec:       5,
			MaxAttempts:         5,
			WindowSec:           300,
			DegradedCooldownSec: 120,
		},
		MQTT:     MQTTConfig{BaseTopic: "coach"},
		DataDir:  ".",
		LogLevel: "info",
	}
}

func f(v float64) *float64 { return &v }

// applyDefaults fills zero-value fields that have sensible defaults.
// Provider and decision tables are not defaulted per-entry: a partial
// table is a configuration error that Validate reports.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "coach"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks every load-time invariant. Any error returned here
// is fatal: the process must refuse to start.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true

		if p.TimeoutMS <= 0 {
			return fmt.Errorf("config: provider %q: timeout_ms must be positive", p.Name)
		}
		if p.SlowThresholdMS <= p.TimeoutMS {
			return fmt.Errorf("config: provider %q: slow_threshold_ms (%d) must exceed timeout_ms (%d)",
				p.Name, p.SlowThresholdMS, p.TimeoutMS)
		}
		if p.LatencyDecay <= 0 || p.LatencyDecay >= 1 {
			return fmt.Errorf("config: provider %q: latency_decay must be in (0,1), got %g",
				p.Name, p.LatencyDecay)
		}
	}

	if c.Routing.Auxiliary != "" && !seen[c.Routing.Auxiliary] {
		return fmt.Errorf("config: routing.auxiliary %q is not a configured provider", c.Routing.Auxiliary)
	}
	if c.Routing.FailureLimit < 2 {
		return fmt.Errorf("config: routing.failure_limit must be at least 2 (a single timeout must never disable a provider)")
	}
	if c.Routing.SlowCallLimit < 1 {
		return fmt.Errorf("config: routing.slow_call_limit must be at least 1")
	}
	if c.Routing.CooldownSec <= 0 {
		return fmt.Errorf("config: routing.cooldown_sec must be positive")
	}

	d := c.Decision
	if d.MinIntervalSec <= 0 || d.MaxIntervalSec < d.MinIntervalSec {
		return fmt.Errorf("config: decision intervals invalid: min=%d max=%d", d.MinIntervalSec, d.MaxIntervalSec)
	}
	if d.CriticalIntervalSec <= 0 {
		return fmt.Errorf("config: decision.critical_interval_sec must be positive")
	}
	for _, sev := range []string{"calm", "moderate", "intense", "critical"} {
		if _, ok := d.BaseIntervalSec[sev]; !ok {
			return fmt.Errorf("config: decision.base_interval_sec missing severity %q", sev)
		}
	}
	if d.OvertalkThreshold < 1 {
		return fmt.Errorf("config: decision.overtalk_threshold must be at least 1")
	}
	for _, p := range []float64{d.InsightProbability, d.VariantProbability} {
		if p < 0 || p > 1 {
			return fmt.Errorf("config: decision probabilities must be in [0,1], got %g", p)
		}
	}

	if c.Cache.Capacity < 1 {
		return fmt.Errorf("config: cache.capacity must be at least 1")
	}
	if c.Cache.TTLSec <= 0 {
		return fmt.Errorf("config: cache.ttl_sec must be positive")
	}

	if err := validateBuckets("tempo", c.Buckets.Tempo); err != nil {
		return err
	}
	if err := validateBuckets("amplitude", c.Buckets.Amplitude); err != nil {
		return err
	}

	r := c.Retry
	if r.BaseDelaySec <= 0 || r.MaxDelaySec < r.BaseDelaySec {
		return fmt.Errorf("config: retry delays invalid: base=%d max=%d", r.BaseDelaySec, r.MaxDelaySec)
	}
	if r.MaxAttempts < 1 || r.WindowSec <= 0 || r.DegradedCooldownSec <= 0 {
		return fmt.Errorf("config: retry budget invalid: max_attempts=%d window_sec=%d degraded_cooldown_sec=%d",
			r.MaxAttempts, r.WindowSec, r.DegradedCooldownSec)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.enabled requires mqtt.broker")
	}

	return nil
}

// validateBuckets enforces fixed, monotonic, non-overlapping bucket
// boundaries: every bucket except the last carries a strictly
// increasing upper bound, and the last is open-ended.
func validateBuckets(name string, buckets []Bucket) error {
	if len(buckets) < 2 {
		return fmt.Errorf("config: buckets.%s needs at least 2 buckets", name)
	}
	var prev float64
	for i, b := range buckets {
		if b.Label == "" {
			return fmt.Errorf("config: buckets.%s[%d] has no label", name, i)
		}
		last := i == len(buckets)-1
		if last {
			if b.Upper != nil {
				return fmt.Errorf("config: buckets.%s last bucket %q must be open-ended", name, b.Label)
			}
			continue
		}
		if b.Upper == nil {
			return fmt.Errorf("config: buckets.%s bucket %q needs an upper bound", name, b.Label)
		}
		if i > 0 && *b.Upper <= prev {
			return fmt.Errorf("config: buckets.%s boundaries must be strictly increasing (%q)", name, b.Label)
		}
		prev = *b.Upper
	}
	return nil
}
