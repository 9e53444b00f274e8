package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/delegation"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/metrics"
	otelPkg "github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/ratelimit"
	"github.com/basket/taskrelay/internal/registry"
	"github.com/basket/taskrelay/internal/router"
)

// Job names registered on the scheduler.
const (
	jobRegistrySweep  = "registry-sweep"
	jobRateLimitClean = "ratelimit-cleanup"
	jobReconcile      = "task-reconcile"
)

// app holds the wired components of one serve process.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	bus        *bus.Bus
	store      *persistence.Store
	registries registry.Provider
	registry   *registry.Registry
	delegator  *delegation.Delegator
	limiter    ratelimit.Limiter
	memLimiter *ratelimit.MemoryLimiter
	redis      interface{ Close() error }
	otel       *otelPkg.Provider
	metrics    *metrics.Collector
	router     *router.Router
	auth       *gateway.Authenticator
	server     *gateway.Server
	scheduler  *cron.Scheduler
	reconciler *delegation.Reconciler
}

// phaseError tags a startup failure with a reason code.
type phaseError struct {
	code string
	err  error
}

func (e *phaseError) Error() string { return e.code + ": " + e.err.Error() }
func (e *phaseError) Unwrap() error { return e.err }

func phase(code string, err error) error {
	return &phaseError{code: code, err: err}
}

func reasonCode(err error) string {
	var pe *phaseError
	if errors.As(err, &pe) {
		return pe.code
	}
	return "E_STARTUP"
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	var err error
	a.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return nil, phase("E_OTEL_INIT", err)
	}

	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return nil, phase("E_STORE_OPEN", err)
	}
	audit.SetDB(a.store.DB())

	a.registry, err = a.registries.Open(a.store, registry.WithBus(a.bus), registry.WithLogger(logger))
	if err != nil {
		return nil, phase("E_REGISTRY_OPEN", err)
	}
	a.delegator = delegation.New(delegation.WithBus(a.bus), delegation.WithLogger(logger))
	a.reconciler = delegation.NewReconciler(delegation.ReconcilerConfig{
		Store:     a.store,
		Delegator: a.delegator,
		Timeout:   cfg.TaskTimeout(),
		Logger:    logger,
	})

	rlCfg := ratelimit.Config{Window: cfg.RateWindow(), MaxRequests: cfg.RateLimit.MaxRequests}
	a.memLimiter = ratelimit.NewMemoryLimiter(rlCfg)
	a.limiter = a.memLimiter
	if cfg.RateLimit.RedisAddr != "" {
		client, err := ratelimit.Connect(ctx, ratelimit.RedisOptions{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		if err != nil {
			logger.Warn("redis unavailable, using in-process rate limiter", "error", err)
		} else {
			a.redis = client
			a.limiter = ratelimit.NewRedisLimiter(client, rlCfg, cfg.RateLimit.KeyPrefix, a.memLimiter, logger)
			logger.Info("rate limiter backed by redis", "addr", cfg.RateLimit.RedisAddr)
		}
	}

	instruments, err := otelPkg.NewInstruments(a.otel.Meter)
	if err != nil {
		return nil, phase("E_OTEL_INIT", err)
	}
	a.metrics = metrics.NewCollector("taskrelay")

	a.router, err = router.New(router.Config{
		Deps: router.Deps{
			Tasks:        a.store,
			Delegator:    a.delegator,
			Registry:     a.registry,
			LocalAgentID: cfg.Delegation.LocalAgentID,
		},
		Limiter:     a.limiter,
		Origins:     router.NewOriginPolicy(cfg.AllowOrigins),
		Logger:      logger,
		Tracer:      a.otel.Tracer,
		Instruments: instruments,
		Metrics:     a.metrics,
	})
	if err != nil {
		return nil, phase("E_ROUTER_INIT", err)
	}

	a.auth = gateway.NewAuthenticator(authConfig(cfg))
	a.server = gateway.New(gateway.Config{
		Router:         a.router,
		Store:          a.store,
		Registry:       a.registry,
		Delegator:      a.delegator,
		Bus:            a.bus,
		Auth:           a.auth,
		Metrics:        a.metrics,
		Tracer:         a.otel.Tracer,
		Logger:         logger,
		PublicURL:      cfg.PublicURL,
		Version:        Version,
		RequestTimeout: cfg.RequestTimeout(),
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	a.scheduler = cron.NewScheduler(cron.Config{Logger: logger})
	if err := a.scheduleJobs(); err != nil {
		return nil, phase("E_SCHEDULER_INIT", err)
	}
	ok = true
	return a, nil
}

func authConfig(cfg config.Config) gateway.AuthConfig {
	return gateway.AuthConfig{Tokens: cfg.Auth.Tokens, JWTSecret: cfg.Auth.JWTSecret, JWTIssuer: cfg.Auth.JWTIssuer}
}

func (a *app) scheduleJobs() error {
	sweep := a.registry.SweepJob(a.cfg.StaleThreshold(), func(res registry.SweepResult) {
		a.metrics.RecordSweep(res.Marked, res.Deleted)
	})
	if err := a.scheduler.Every(jobRegistrySweep, a.cfg.RegistryCleanupInterval(), sweep); err != nil {
		return err
	}
	if err := a.scheduler.Every(jobRateLimitClean, a.cfg.RateCleanupInterval(), a.memLimiter.CleanupJob()); err != nil {
		return err
	}
	if a.reconciler.Enabled() {
		if err := a.scheduler.Every(jobReconcile, a.cfg.ReconcileInterval(), a.reconciler.Job()); err != nil {
			return err
		}
	}
	return nil
}

// applyReload pushes the settings that can change at runtime into the
// running components.
func (a *app) applyReload(next config.Config) {
	if err := config.ResolveAuthTokens(&next); err != nil {
		a.logger.Error("config reload: auth token", "error", err)
		return
	}
	a.router.Origins().Set(next.AllowOrigins)
	a.auth.Update(authConfig(next))
	for _, w := range next.Warnings {
		a.logger.Warn("config warning", "warning", w)
	}
	if next.Fingerprint() != a.cfg.Fingerprint() {
		a.logger.Warn("config change requires restart to take full effect",
			"running", a.cfg.Fingerprint(), "on_disk", next.Fingerprint())
	}
	a.logger.Info("config applied", "allow_origins", len(next.AllowOrigins), "auth_tokens", len(next.Auth.Tokens))
}

func (a *app) Close(ctx context.Context) {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Warn("otel shutdown", "error", err)
		}
	}
	a.registries.Dispose()
	if a.store != nil {
		audit.SetDB(nil)
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", "error", fmt.Errorf("close store: %w", err))
		}
	}
}
