// Package app wires all voxbridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems and binds the listen socket, Run serves HTTP until the context
// ends, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithProvider, WithCallLog). When an option is not provided, New creates
// real implementations from the config.
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

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/callog"
	callogpg "github.com/MrWong99/voxbridge/internal/callog/postgres"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/httpapi"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s/gemini"
	"github.com/MrWong99/voxbridge/pkg/provider/s2s/relay"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// App owns all subsystem lifetimes and serves the voxbridge HTTP surface.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	provider s2s.Provider
	store    callog.Store // nil when call logging is disabled
	metrics  *observe.Metrics
	checks   *health.Handler
	api      *httpapi.Server
	server   *http.Server
	ln       net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a remote session provider instead of creating one
// from config.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithCallLog injects a call log store instead of connecting to Postgres.
func WithCallLog(s callog.Store) Option {
	return func(a *App) { a.store = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together and binding the
// listen socket. Use Option functions to inject test doubles for any
// subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if cfg.Observe.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "voxbridge",
			ServiceVersion: Version,
		})
		if err != nil {
			return nil, fmt.Errorf("app: init observability: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(ctx)
		})
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	// ── 2. Call log ──────────────────────────────────────────────────────
	if a.store == nil && cfg.CallLog.PostgresDSN != "" {
		store, err := callogpg.New(ctx, cfg.CallLog.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: init call log: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("call log connected")
	}

	// ── 3. Remote provider ───────────────────────────────────────────────
	if a.provider == nil {
		a.provider = resilience.NewProvider(buildProvider(cfg),
			resilience.CircuitBreakerConfig{Name: "remote_connect"})
	}

	// ── 4. Session settings ──────────────────────────────────────────────
	sess, err := sessionConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: session settings: %w", err)
	}

	// ── 5. Health probes ─────────────────────────────────────────────────
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "call_log", Check: a.store.Ping})
	}
	a.checks = health.New(checkers...)

	// ── 6. HTTP server ───────────────────────────────────────────────────
	model := ""
	if cfg.Variant() == config.VariantManaged {
		model = config.NormalizeModel(cfg.Provider.Model)
	}
	a.api = httpapi.New(httpapi.Config{
		Provider: a.provider,
		Variant:  string(cfg.Variant()),
		Model:    model,
		Bridge: bridge.Config{
			Session:           sess,
			UplinkFrameSize:   cfg.Audio.UplinkFrameBytes,
			UplinkInterval:    time.Duration(cfg.Audio.UplinkIntervalMS) * time.Millisecond,
			DownlinkFrameSize: cfg.Audio.DownlinkFrameBytes,
			DownlinkInterval:  time.Duration(cfg.Audio.DownlinkIntervalMS) * time.Millisecond,
			InitialSilence:    cfg.Audio.InitialSilence,
		},
		Metrics:      a.metrics,
		Health:       a.checks,
		CallLog:      a.store,
		ServeMetrics: cfg.Observe.Enabled,
	})

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("app: listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	a.ln = ln
	a.closers = append(a.closers, func() error {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})

	a.server = &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: /v1/stream responses stay open for the whole
		// call.
	}

	return a, nil
}

// Addr returns the bound listen address, useful when the config asked for
// port 0.
func (a *App) Addr() string {
	return a.ln.Addr().String()
}

// Registry returns the active-call registry of the HTTP server.
func (a *App) Registry() *httpapi.Registry {
	return a.api.Registry()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. On
// cancellation it flips the readiness probe to draining and gives in-flight
// calls the configured grace period to finish.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(a.ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(a.ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server listening", "addr", a.Addr(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	a.checks.SetDraining()
	grace := time.Duration(a.cfg.Server.ShutdownGraceMS) * time.Millisecond
	slog.Info("draining", "grace", grace, "active_calls", a.api.Registry().Count())

	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.server.Shutdown(sctx); err != nil {
		slog.Warn("forced server stop after grace period", "err", err)
		a.server.Close()
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the remaining subsystems in init order. It respects
// the context deadline and is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var retErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				retErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return retErr
}

// ─── Wiring helpers ──────────────────────────────────────────────────────────

// buildProvider constructs the remote session provider the config names:
// the managed Gemini Live API, or a relay endpoint speaking the raw socket
// protocol.
func buildProvider(cfg *config.Config) s2s.Provider {
	if cfg.Variant() == config.VariantRelay {
		var opts []relay.Option
		if cfg.Provider.BearerToken != "" {
			opts = append(opts, relay.WithBearerToken(cfg.Provider.BearerToken))
		}
		return relay.New(cfg.Provider.Endpoint, opts...)
	}

	opts := []gemini.Option{gemini.WithModel(config.NormalizeModel(cfg.Provider.Model))}
	if cfg.Provider.HeaderAuth {
		opts = append(opts, gemini.WithHeaderAuth())
	}
	return gemini.New(cfg.Provider.APIKey, opts...)
}

// sessionConfig assembles the per-call remote session settings, loading the
// tool declarations file when one is configured.
func sessionConfig(cfg *config.Config) (s2s.SessionConfig, error) {
	sc := s2s.SessionConfig{
		Instructions:    cfg.Provider.SystemInstruction,
		Voice:           cfg.Provider.Voice,
		Temperature:     cfg.Provider.Temperature,
		MaxOutputTokens: cfg.Provider.MaxOutputTokens,
	}
	if cfg.Provider.ToolsFile != "" {
		tools, err := config.LoadTools(cfg.Provider.ToolsFile)
		if err != nil {
			return s2s.SessionConfig{}, err
		}
		sc.Tools = tools
	}
	return sc, nil
}
