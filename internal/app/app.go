// Package app wires the call engine, its HTTP control surface and the process
// lifecycle into a running application.
//
// The App struct owns the full lifecycle: New builds the call controller and
// the HTTP handler, Run serves the control API until its context is
// cancelled, and Shutdown ends any active call and runs the registered
// closers in order.
//
// For testing, drive [App.Handler] with httptest and inject metrics or a
// level variable via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callwright/internal/call"
	"github.com/MrWong99/callwright/internal/config"
	"github.com/MrWong99/callwright/internal/health"
	"github.com/MrWong99/callwright/internal/history"
	"github.com/MrWong99/callwright/internal/observe"
	"github.com/MrWong99/callwright/pkg/audio"
	"github.com/MrWong99/callwright/pkg/provider/live"
)

// serverShutdownTimeout bounds how long Run waits for in-flight requests once
// its context is cancelled.
const serverShutdownTimeout = 5 * time.Second

// historySaveTimeout bounds archiving one finished call.
const historySaveTimeout = 5 * time.Second

// App owns the call controller and the control API.
type App struct {
	cfg *config.Config

	provider live.Provider
	history  history.Store
	ctrl     *call.Controller
	health   *health.Handler
	metrics  *observe.Metrics
	level    *slog.LevelVar
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads adjust the log level of the process.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithHistory archives every finished call in store and serves the archive
// on /v1/calls.
func WithHistory(store history.Store) Option {
	return func(a *App) { a.history = store }
}

// WithCloser registers fn to run during Shutdown after the call has ended.
// Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App that places calls through provider using device for
// audio. The config supplies call parameters and the listen address.
func New(cfg *config.Config, provider live.Provider, device audio.Device, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if provider == nil {
		return nil, errors.New("app: live provider is required")
	}
	if device == nil {
		return nil, errors.New("app: audio device is required")
	}

	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	callOpts := call.Options{
		Voice:        cfg.Call.Voice,
		Instructions: cfg.Call.Instructions,
		FrameSize:    cfg.Call.FrameSize,
		StopCooldown: cfg.Call.StopCooldown,
		FlushLag:     cfg.Call.RecordingSegment,
		Metrics:      a.metrics,
	}
	checkers := []health.Checker{
		{Name: "provider", Check: a.checkProvider},
		{Name: "call", Check: a.checkCall},
	}
	if a.history != nil {
		callOpts.OnEnd = history.Hook(a.history, historySaveTimeout)
		if c, ok := a.history.(interface{ Check(context.Context) error }); ok {
			checkers = append(checkers, health.Checker{Name: "history", Check: c.Check})
		}
	}
	a.ctrl = call.New(provider, device, callOpts)

	a.health = health.New(checkers...)
	a.health.SetInfo(a.info)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.routes(mux)
	a.handler = observe.Middleware(a.metrics,
		observe.WithCallID(func() string { return a.ctrl.Snapshot().CallID }),
	)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Controller returns the call controller.
func (a *App) Controller() *call.Controller { return a.ctrl }

// Handler returns the instrumented HTTP handler serving the control API,
// health probes and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves the control API on ln until ctx is cancelled. When
// call.autostart is set, a call is started alongside the server.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control API listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("control API shutdown error", "err", err)
		}
		return nil
	})

	if a.cfg.Call.Autostart {
		g.Go(func() error {
			if err := a.ctrl.Start(gctx); err != nil {
				slog.Warn("autostart call failed", "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a changed config. It is
// meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CallChanged() {
		a.ctrl.Configure(new.Call.Voice, new.Call.Instructions)
		slog.Info("call parameters updated; they apply to the next call",
			"voice_changed", d.VoiceChanged,
			"instructions_changed", d.InstructionsChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "settings", d.RestartRequired)
	}
}

// Shutdown ends any active call, stops the HTTP server and runs the closers.
// It respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// The call goes first so the line closes before the devices do.
		if err := a.ctrl.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: server shutdown: %w", err))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// checkProvider fails when calls cannot authenticate or, for a provider that
// reports its own availability, when it is unavailable.
func (a *App) checkProvider(ctx context.Context) error {
	keyed := a.cfg.Provider.APIKey != ""
	for _, fb := range a.cfg.Failover.Providers {
		keyed = keyed || fb.APIKey != ""
	}
	if !keyed {
		return fmt.Errorf("no api key configured for %s", a.cfg.Provider.Name)
	}
	if c, ok := a.provider.(interface{ Check(context.Context) error }); ok {
		return c.Check(ctx)
	}
	return nil
}

// checkCall fails while the engine cannot accept a new call.
func (a *App) checkCall(context.Context) error {
	s := a.ctrl.Snapshot()
	switch {
	case s.Closing:
		return errors.New("teardown in progress")
	case s.Status.Active():
		return fmt.Errorf("call %s is %s", s.CallID, s.Status)
	}
	return nil
}

func (a *App) info() map[string]any {
	s := a.ctrl.Snapshot()
	info := map[string]any{
		"provider": a.cfg.Provider.Name,
		"audio":    string(a.cfg.Audio.Backend),
		"status":   s.Status.String(),
	}
	if s.CallID != "" {
		info["call_id"] = s.CallID
	}
	return info
}
