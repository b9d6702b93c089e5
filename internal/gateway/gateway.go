// Package gateway is the lifecycle controller: it builds every component
// from configuration, runs the startup sequence in order, and tears it all
// down in reverse on shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/internal/circuit"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/flags"
	"github.com/ocx/gateway/internal/infra"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/orchestrator"
	"github.com/ocx/gateway/internal/ratelimit"
	"github.com/ocx/gateway/internal/registry"
	"github.com/ocx/gateway/internal/server"
	"github.com/ocx/gateway/internal/session"
	"github.com/ocx/gateway/internal/stream"
	"github.com/ocx/gateway/internal/tracing"
	"github.com/ocx/gateway/internal/upstream"
)

// Exit codes by failure phase.
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitConfig  = 2
	ExitStores  = 3
)

type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	return &startupError{code: code, err: err}
}

// ExitCode maps a startup failure to its process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *startupError
	if errors.As(err, &se) {
		return se.code
	}
	return ExitRuntime
}

// Controller owns the wired components and their lifecycles.
type Controller struct {
	cfg *config.Config
	log *slog.Logger

	srv      *server.Server
	httpSrv  *http.Server
	streams  *stream.Manager
	sessions session.Store
	counter  *redis.Client
	breakers *circuit.Manager
	prober   *registry.Prober
	flags    *flags.Evaluator
	metrics  *metrics.Metrics

	flushTraces func(context.Context) error
}

// Build wires the gateway from configuration. Phases fail with typed exit
// codes: configuration problems exit 2, unreachable stores exit 3.
func Build(cfg *config.Config, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	flushTraces, err := tracing.Setup("ocx-gateway")
	if err != nil {
		return nil, fail(ExitRuntime, fmt.Errorf("tracing setup: %w", err))
	}

	fl, err := flags.NewEvaluator(cfg.Flags.File, log)
	if err != nil {
		return nil, fail(ExitConfig, fmt.Errorf("feature flags: %w", err))
	}

	// --- Stores ---
	var counter *redis.Client
	if cfg.Stores.CounterStoreURL != "" {
		counter, err = infra.DialRedis(cfg.Stores.CounterStoreURL)
		if err != nil {
			return nil, fail(ExitStores, fmt.Errorf("counter store: %w", err))
		}
	} else {
		log.Warn("no counter store configured, rate limits are per-node")
	}

	sessions, err := session.Open(context.Background(), cfg.Stores.SessionStoreURL)
	if err != nil {
		return nil, fail(ExitStores, fmt.Errorf("session store: %w", err))
	}

	// --- Registry ---
	reg := registry.New()
	for _, t := range cfg.Registry.Tools {
		reg.Register(core.Tool{
			ToolID:       t.ToolID,
			BaseURL:      t.BaseURL,
			Capabilities: t.Capabilities,
			Priority:     t.Priority,
		})
	}
	reg.OnTransition(func(toolID string, from, to core.ToolStatus) {
		m.ProbeTransitions.WithLabelValues(toolID, string(from), string(to)).Inc()
		log.Info("tool status transition", "tool", toolID, "from", string(from), "to", string(to))
	})
	prober := registry.NewProber(reg, &registry.HTTPChecker{}, cfg.Registry, log)

	// --- Upstream pipeline ---
	breakers := circuit.NewManager(&circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Window:           cfg.Circuit.Window,
		Cooldown:         cfg.Circuit.Cooldown,
	})
	retry := circuit.NewRetryPolicy(cfg.Circuit.MaxAttempts, cfg.Circuit.RetryBase, cfg.Circuit.MinUpstreamLat)

	var cache *upstream.Cache
	if counter != nil {
		cache = upstream.NewCache(counter, 5*time.Minute)
	}
	caller := upstream.NewCaller(upstream.NewHTTPClient(), breakers, retry, cache, cfg.Orchestra.UpstreamTimeout, m)

	// --- Orchestration and streaming ---
	streams := stream.NewManager(cfg.Streaming, m)
	orch := orchestrator.New(cfg.Orchestra, fl, reg, caller, sessions, m, log)

	signer := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.PrevJWTSecret, cfg.Auth.RotationGrace)
	srv := server.New(server.Deps{
		Config:   cfg,
		Auth:     auth.NewAuthenticator(signer, cfg.Auth.APIKeys),
		Signer:   signer,
		Origins:  auth.NewOriginPolicy(cfg.Server.AllowedOrigins, cfg.IsProduction()),
		Limiter:  ratelimit.New(counter, cfg, log),
		Flags:    fl,
		Registry: reg,
		Orch:     orch,
		Streams:  streams,
		Sessions: sessions,
		Metrics:  m,
		Gatherer: promReg,
		Log:      log,
	})

	return &Controller{
		cfg:         cfg,
		log:         log,
		srv:         srv,
		streams:     streams,
		sessions:    sessions,
		counter:     counter,
		breakers:    breakers,
		prober:      prober,
		flags:       fl,
		metrics:     m,
		flushTraces: flushTraces,
		httpSrv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run executes the startup sequence, serves until ctx is cancelled, then
// shuts down in reverse order.
func (c *Controller) Run(ctx context.Context) error {
	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// Initial synchronous probe pass within the startup budget, so the
	// first requests see real tool health instead of unknown.
	probeCtx, cancelProbe := context.WithTimeout(bg, c.cfg.Registry.StartupProbeBudget)
	c.prober.ProbeAll(probeCtx)
	cancelProbe()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if c.cfg.Server.TLSCert != "" && c.cfg.Server.TLSKey != "" {
			err = c.httpSrv.ListenAndServeTLS(c.cfg.Server.TLSCert, c.cfg.Server.TLSKey)
		} else {
			err = c.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	c.startBackground(bg)
	c.srv.SetReady(true)
	c.log.Info("gateway ready", "addr", c.cfg.Addr(), "env", c.cfg.Server.Env,
		"tools", len(c.cfg.Registry.Tools))

	select {
	case err := <-errCh:
		c.shutdown(cancelBg)
		return fail(ExitRuntime, fmt.Errorf("http server: %w", err))
	case <-ctx.Done():
		c.log.Info("shutdown signal received")
		c.shutdown(cancelBg)
		return nil
	}
}

// startBackground launches the maintenance loops. All of them stop when the
// background context is cancelled during shutdown.
func (c *Controller) startBackground(ctx context.Context) {
	go c.prober.Run(ctx)

	if err := c.flags.Watch(ctx, c.cfg.Flags.ReloadInterval); err != nil {
		c.log.Warn("flag watcher unavailable, flags frozen at startup values", "err", err)
	}

	// Idle session sweep.
	if idle := c.cfg.Streaming.SessionIdle; idle > 0 {
		go c.sweepSessions(ctx, idle)
	}

	// Detached stream retention sweep.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.streams.Sweep(); n > 0 {
					c.log.Info("expired streams swept", "count", n)
				}
			}
		}
	}()

	// Breaker state gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for tool, state := range c.breakers.States() {
					c.metrics.CircuitState.WithLabelValues(tool).Set(float64(state))
				}
			}
		}
	}()
}

func (c *Controller) sweepSessions(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.sessions.SweepIdle(ctx, idle)
			if err != nil {
				c.log.Warn("session sweep failed", "err", err)
			} else if n > 0 {
				c.log.Info("idle sessions swept", "count", n)
			}
		}
	}
}

// shutdown tears components down in reverse startup order: stop intake,
// drain streams, stop the listener, then close stores and flush traces.
func (c *Controller) shutdown(cancelBg context.CancelFunc) {
	c.srv.StartDraining()
	c.log.Info("draining streams", "open", c.streams.OpenCount(), "deadline", c.cfg.Server.DrainDeadline)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), c.cfg.Server.DrainDeadline)
	c.streams.DrainAll(drainCtx, c.cfg.Server.DrainDeadline)
	cancelDrain()

	cancelBg()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	if err := c.httpSrv.Shutdown(stopCtx); err != nil {
		c.log.Warn("http shutdown incomplete", "err", err)
	}
	cancelStop()

	if err := c.sessions.Close(); err != nil {
		c.log.Warn("session store close failed", "err", err)
	}
	if c.counter != nil {
		if err := c.counter.Close(); err != nil {
			c.log.Warn("counter store close failed", "err", err)
		}
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 3*time.Second)
	if err := c.flushTraces(flushCtx); err != nil {
		c.log.Warn("trace flush failed", "err", err)
	}
	cancelFlush()

	c.log.Info("gateway stopped")
}
