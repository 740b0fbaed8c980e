// Command callwright runs the live voice-call engine behind a small HTTP
// control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/callwright/internal/app"
	"github.com/MrWong99/callwright/internal/config"
	"github.com/MrWong99/callwright/internal/history"
	"github.com/MrWong99/callwright/internal/history/postgres"
	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/internal/resilience"
	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/audio/discord"
	"github.com/MrWong99/callwright/pkg/audio/pipe"
	"github.com/MrWong99/callwright/pkg/provider/live"
	"github.com/MrWong99/callwright/pkg/provider/live/gemini"
	"github.com/MrWong99/callwright/pkg/provider/live/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload voice, instructions and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callwright: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callwright: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callwright starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Init(context.Background(), observe.TelemetryConfig{
		ServiceVersion: version,
		Attributes: []attribute.KeyValue{
			attribute.String("callwright.provider", cfg.Provider.Name),
			attribute.String("callwright.audio_backend", string(cfg.Audio.Backend)),
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := reg.CreateLive(cfg.Provider)
	if err != nil {
		slog.Error("failed to create live provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	if len(cfg.Failover.Providers) > 0 {
		provider, err = withFailover(reg, provider, cfg)
		if err != nil {
			slog.Error("failed to create fallback provider", "err", err)
			return 1
		}
	}

	device, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to create audio device", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}

	opts := []app.Option{app.WithLevelVar(level)}
	if c, ok := device.(io.Closer); ok {
		opts = append(opts, app.WithCloser(c.Close))
	}

	// ── Call history ──────────────────────────────────────────────────────────
	store, closeStore, err := openHistory(context.Background(), cfg.History)
	if err != nil {
		slog.Error("failed to open call history", "backend", cfg.History.Backend, "err", err)
		return 1
	}
	if store != nil {
		opts = append(opts, app.WithHistory(store))
	}
	if closeStore != nil {
		opts = append(opts, app.WithCloser(closeStore))
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	// Speech may own stdout.
	summary := io.Writer(os.Stdout)
	if cfg.Audio.Backend == config.AudioPipe && cfg.Audio.Output == "-" {
		summary = os.Stderr
	}
	printStartupSummary(summary, cfg)

	application, err := app.New(cfg, provider, device, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the built-in live providers and audio backends into
// reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterAudio(config.AudioPipe, func(cfg config.AudioConfig) (audio.Device, error) {
		return pipe.Open(cfg.Input, cfg.Output)
	})

	reg.RegisterAudio(config.AudioNull, func(config.AudioConfig) (audio.Device, error) {
		return pipe.NewNull(), nil
	})

	reg.RegisterAudio(config.AudioDiscord, func(cfg config.AudioConfig) (audio.Device, error) {
		d := cfg.Discord
		bridge, err := discord.Dial(d.Token, d.GuildID, d.ChannelID)
		if err != nil {
			return nil, err
		}
		slog.Info("joined discord voice channel", "guild_id", d.GuildID, "channel_id", d.ChannelID)
		return pipe.New(bridge, bridge, pipe.WithCloser(bridge)), nil
	})

	for _, name := range reg.LiveNames() {
		slog.Debug("registered provider", "kind", "live", "name", name)
	}
	for _, name := range reg.AudioNames() {
		slog.Debug("registered provider", "kind", "audio", "name", name)
	}
}

// withFailover wraps primary in a [resilience.Failover] that falls back to the
// configured backup providers.
func withFailover(reg *config.Registry, primary live.Provider, cfg *config.Config) (*resilience.Failover, error) {
	fo := resilience.NewFailover(primary, cfg.Provider.Name, resilience.BreakerConfig{
		MaxFailures:  cfg.Failover.MaxFailures,
		ResetTimeout: cfg.Failover.ResetTimeout,
	})
	for _, entry := range cfg.Failover.Providers {
		p, err := reg.CreateLive(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", entry.Name, err)
		}
		fo.Add(entry.Name, p)
		slog.Info("fallback provider added", "name", entry.Name, "model", entry.Model)
	}
	return fo, nil
}

// openHistory builds the call archive selected by cfg. Both returns are nil
// when the archive is off; the closer is nil when nothing needs releasing.
func openHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, func() error, error) {
	switch cfg.Backend {
	case config.HistoryMemory:
		return history.NewMemory(cfg.MaxCalls), nil, nil
	case config.HistoryPostgres:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("call history connected", "backend", cfg.Backend)
		return store, func() error { store.Close(); return nil }, nil
	default:
		return nil, nil, nil
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       callwright startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Provider", cfg.Provider.Name, cfg.Provider.Model)
	for _, fb := range cfg.Failover.Providers {
		printRow(w, "Fallback", fb.Name, fb.Model)
	}
	printRow(w, "Voice", cfg.Call.Voice, "")
	printRow(w, "Audio", string(cfg.Audio.Backend), "")
	printRow(w, "History", string(cfg.History.Backend), "")
	autostart := "off"
	if cfg.Call.Autostart {
		autostart = "on"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Autostart", autostart)
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, kind, name, detail string) {
	value := name
	if value == "" {
		value = "(default)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr and the level variable that
// config reloads adjust.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
