// Command coachd runs the real-time coaching orchestration service:
// the per-tick decision loop, provider routing, fingerprint cache, and
// the HTTP API the sensor and audio collaborators talk to.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/98Mvg/treningscoach-backend-sub000/internal/api"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/buildinfo"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/coach"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/config"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/events"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/fingerprint"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/memory"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/mqtt"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/provider"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/retry"
	"github.com/98Mvg/treningscoach-backend-sub000/internal/session"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the coachd command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "validate-config":
		return runValidateConfig(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `coachd - real-time workout coaching service

Usage:
  coachd serve [-config path]            run the service
  coachd validate-config [-config path]  check configuration and exit
  coachd version [-o text|json]          print build information

Configuration is searched in: %s
`, strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

// runValidateConfig loads and validates the configuration, reporting
// the path it used. A non-zero exit means the config would refuse to
// start the service.
func runValidateConfig(w io.Writer, configPath string) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "config OK: %s (%d providers, cache %d/%ds)\n",
		path, len(cfg.Providers), cfg.Cache.Capacity, cfg.Cache.TTLSec)
	return nil
}

// runServe wires every component together and blocks until shutdown.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	logger.Info("starting coachd",
		"version", buildinfo.Version,
		"config", cfgPath,
		"providers", len(cfg.Providers),
	)

	bus := events.New()

	store, err := memory.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	bank := coach.NewBank(cfg.Decision.VariantProbability,
		rand.New(rand.NewSource(time.Now().UnixNano())))

	router, err := buildRouter(cfg, bank, logger, bus)
	if err != nil {
		return err
	}

	buckets := fingerprint.NewBuckets(cfg.Buckets)
	cache := fingerprint.NewCache(cfg.Cache.Capacity, cfg.Cache.TTL())

	engine, err := coach.NewEngine(cfg.Decision, buckets, cache, router, bank, logger, bus)
	if err != nil {
		return fmt.Errorf("build decision engine: %w", err)
	}

	sessions := session.NewManager(engine, store, logger, bus)

	var mqttPub *mqtt.Publisher
	var mqttSup *retry.Supervisor
	if cfg.MQTT.Enabled {
		mqttPub = mqtt.New(cfg.MQTT, bus, logger)
		mqttSup = retry.Supervise(ctx, "mqtt",
			func(ctx context.Context) error { return mqttPub.Start(ctx) },
			retryConfig(cfg.Retry), logger, bus)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sessions, router, cache, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions.CloseAll()
	if err := server.Shutdown(shCtx); err != nil {
		logger.Warn("api server shutdown failed", "error", err)
	}
	if mqttSup != nil {
		mqttSup.Stop()
		if err := mqttPub.Stop(shCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("coachd stopped", "uptime", buildinfo.Uptime().Round(time.Second).String())
	return nil
}

// buildRouter constructs the provider router from configuration. Each
// configured provider name maps to a concrete adapter; the template
// bank is the always-available fallback.
func buildRouter(cfg *config.Config, bank *coach.Bank, logger *slog.Logger, bus *events.Bus) (*provider.Router, error) {
	impls := make(map[string]provider.Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Name {
		case "ollama":
			impls[pc.Name] = provider.NewOllamaProvider(pc.Name, cfg.Ollama.BaseURL, cfg.Ollama.Model)
		case "anthropic":
			if cfg.Anthropic.APIKey == "" {
				return nil, fmt.Errorf("provider %q requires anthropic.api_key", pc.Name)
			}
			impls[pc.Name] = provider.NewAnthropicProvider(pc.Name, cfg.Anthropic.APIKey, cfg.Anthropic.Model)
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
	}

	fallback := func(req provider.Request) string {
		sev, err := coach.ParseSeverity(req.Severity)
		if err != nil {
			sev = coach.SeverityModerate
		}
		if sev == coach.SeverityCritical {
			phase, _ := coach.ParsePhase(req.Phase)
			return bank.Safety(phase)
		}
		return bank.Cue(sev)
	}

	return provider.NewRouter(cfg.Providers, cfg.Routing, impls, fallback, logger, bus)
}

// retryConfig converts the YAML retry settings into controller config.
func retryConfig(rc config.RetryConfig) retry.Config {
	return retry.Config{
		BaseDelay:        time.Duration(rc.BaseDelaySec) * time.Second,
		MaxDelay:         time.Duration(rc.MaxDelaySec) * time.Second,
		EmptyDelay:       time.Duration(rc.EmptyDelaySec) * time.Second,
		MaxAttempts:      rc.MaxAttempts,
		Window:           time.Duration(rc.WindowSec) * time.Second,
		DegradedCooldown: time.Duration(rc.DegradedCooldownSec) * time.Second,
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
