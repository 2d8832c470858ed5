// Command hushline is the noise-suppression and speaking-state daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/hushline/internal/app"
	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/internal/observe"
	"github.com/MrWong99/hushline/pkg/provider/denoise/spectral"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "hushline.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config is expanded")
	writeModel := flag.String("write-model", "", "write the built-in spectral model for audio.sample_rate to this path and exit")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "hushline: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watch, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hushline: %v\n", err)
		return 1
	}

	if *writeModel != "" {
		if err := writeDefaultModel(*writeModel, cfg.Audio.SampleRate); err != nil {
			fmt.Fprintf(os.Stderr, "hushline: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs go to stderr; stdout may carry the processed audio.
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("hushline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(prov.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterDefaults(reg)

	printStartupSummary(cfg)

	application, err := app.New(cfg, reg,
		app.WithLogLevel(level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(prov.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if watch {
		w, err := config.NewWatcher(*configPath, application.Reload)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads path. A missing file at the default path falls back to
// the built-in defaults and disables hot reload.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		fmt.Fprintf(os.Stderr, "hushline: %s not found, using built-in defaults\n", path)
		return config.Default(), false, nil
	}
	return nil, false, err
}

func writeDefaultModel(path string, sampleRate int) error {
	spec := spectral.DefaultModelSpec()
	spec.SampleRate = sampleRate
	blob, err := spectral.Encode(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	fmt.Fprintf(os.Stderr, "hushline: wrote %d-byte spectral model (%d Hz) to %s\n", len(blob), sampleRate, path)
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	line := func(label, value string) {
		if len(value) > 24 {
			value = value[:21] + "..."
		}
		fmt.Fprintf(os.Stderr, "|  %-14s : %-24s |\n", label, value)
	}
	onOff := func(on bool) string {
		if on {
			return "enabled"
		}
		return "(disabled)"
	}

	fmt.Fprintln(os.Stderr, "+-------------------------------------------+")
	fmt.Fprintln(os.Stderr, "|          hushline startup summary         |")
	fmt.Fprintln(os.Stderr, "+-------------------------------------------+")
	line("Source", cfg.Audio.Source)
	line("Sample rate", fmt.Sprintf("%d Hz / %d", cfg.Audio.SampleRate, cfg.Audio.BlockSize))
	if cfg.Denoise.IsEnabled() {
		line("Suppression", fmt.Sprintf("%s %.0f dB", cfg.Denoise.Runtime, cfg.Denoise.AttenuationLimit()))
	} else {
		line("Suppression", onOff(false))
	}
	presence := cfg.Presence.Transport
	if cfg.Presence.Fallback != "" {
		presence += " -> " + cfg.Presence.Fallback
	}
	line("Presence", presence)
	line("Room", cfg.Identity.Room)
	line("Relay", onOff(cfg.Presence.Relay.Enabled))
	line("Discord", onOff(cfg.Discord.Enabled()))
	line("Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(os.Stderr, "+-------------------------------------------+")
}
