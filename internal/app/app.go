// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra:     Redis and the tenant store
//  2. initPolicy:    routing policy document
//  3. initProviders: LLM provider adapters
//  4. initServices:  cache, budget ledger, audit sink, metrics
//  5. initGateway:   engine, limiters, health checker and HTTP server
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/budget"
	"github.com/nulpointcorp/cost-gateway/internal/cache"
	"github.com/nulpointcorp/cost-gateway/internal/config"
	"github.com/nulpointcorp/cost-gateway/internal/engine"
	"github.com/nulpointcorp/cost-gateway/internal/logger"
	"github.com/nulpointcorp/cost-gateway/internal/metrics"
	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/providers"
	"github.com/nulpointcorp/cost-gateway/internal/proxy"
	"github.com/nulpointcorp/cost-gateway/internal/store"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb        *redis.Client
	clickhouse *audit.ClickHouseSink

	tenants  store.Store
	policy   *policy.Policy
	adapters map[providers.Kind]providers.Adapter

	respCache   cache.Cache
	cacheProbe  func(context.Context) error
	memCache    *cache.MemoryCache
	ledger      budget.Ledger
	sink        audit.Sink
	statsReader audit.StatsReader
	reqLogger   *logger.Logger
	prom        *metrics.Registry

	health *proxy.HealthChecker
	srv    *proxy.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"policy", a.initPolicy},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. In-flight requests are drained before it returns.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("policy_version", a.policy.Version),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("ledger_mode", a.cfg.LedgerMode),
		slog.String("audit_sink", a.cfg.Audit.Sink),
		slog.Int("providers", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	// The request logger flushes into the sink, so it closes first.
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.tenants != nil {
		if err := a.tenants.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error; callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe returns a health probe that reuses the existing client.
func redisProbe(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// unroutable lists the policy routes whose provider has no adapter. Requests
// for them go straight to the fallback.
func unroutable(p *policy.Policy, adapters map[providers.Kind]providers.Adapter) []string {
	var out []string
	seen := make(map[policy.Route]bool)
	for _, r := range p.Routes() {
		if seen[r] {
			continue
		}
		seen[r] = true
		if _, ok := adapters[r.Provider]; !ok {
			out = append(out, r.String())
		}
	}
	return out
}

// engineOptions assembles the execution engine's collaborators. Nil
// interfaces stay untyped nil so the engine can tell them apart.
func (a *App) engineOptions(exclusions *cache.ExclusionList) engine.Options {
	opts := engine.Options{
		Ledger:         a.ledger,
		Exclusions:     exclusions,
		Logger:         a.log,
		AttemptTimeout: a.cfg.ProviderTimeout,
	}
	if a.respCache != nil {
		opts.Cache = a.respCache
	}
	if a.reqLogger != nil {
		opts.Recorder = a.reqLogger
	}
	if a.prom != nil {
		opts.Metrics = a.prom
	}
	return opts
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
