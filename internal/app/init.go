package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/auth"
	"github.com/nulpointcorp/cost-gateway/internal/budget"
	"github.com/nulpointcorp/cost-gateway/internal/cache"
	"github.com/nulpointcorp/cost-gateway/internal/config"
	"github.com/nulpointcorp/cost-gateway/internal/engine"
	"github.com/nulpointcorp/cost-gateway/internal/logger"
	"github.com/nulpointcorp/cost-gateway/internal/metrics"
	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/cost-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/cost-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/cost-gateway/internal/providers/openai"
	"github.com/nulpointcorp/cost-gateway/internal/proxy"
	"github.com/nulpointcorp/cost-gateway/internal/ratelimit"
	"github.com/nulpointcorp/cost-gateway/internal/store/memory"
	"github.com/nulpointcorp/cost-gateway/internal/store/postgres"
)

// initInfra establishes external connections. Redis is connected whenever
// REDIS_URL is set since the rate limiters use it even when the cache and
// ledger run in memory.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Database.URL == "" {
		a.tenants = memory.New()
		a.log.Info("tenant store: memory (in-process)")
		return nil
	}

	a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Database.URL)))
	pg, err := postgres.Open(ctx, postgres.Config{
		URL:          a.cfg.Database.URL,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
	}, a.log)
	if err != nil {
		return err
	}
	a.tenants = pg
	a.log.Info("tenant store: postgres")

	return nil
}

// initPolicy loads the routing policy. A missing or malformed document is
// fatal.
func (a *App) initPolicy(_ context.Context) error {
	p, err := policy.Load(a.cfg.PolicyPath)
	if err != nil {
		return err
	}
	a.policy = p

	a.log.Info("policy loaded",
		slog.String("path", a.cfg.PolicyPath),
		slog.String("version", p.Version),
		slog.String("default_route", p.Defaults.String()),
		slog.Int("rules", len(p.Rules)),
	)
	return nil
}

// initProviders builds the adapter map. At least one provider must have
// an API key.
func (a *App) initProviders(_ context.Context) error {
	adapters, err := buildAdapters(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.adapters = adapters

	names := make([]string, 0, len(adapters))
	for k := range adapters {
		names = append(names, string(k))
	}
	sort.Strings(names)
	a.log.Info("providers loaded", slog.Any("providers", names))

	if missing := unroutable(a.policy, adapters); len(missing) > 0 {
		a.log.Warn("policy routes without a configured provider",
			slog.Any("routes", missing),
		)
	}

	return nil
}

// initServices creates the cache backend, budget ledger, audit sink and
// Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version, a.policy.Version)

	switch a.cfg.Cache.Mode {
	case config.ModeRedis:
		a.respCache = cache.NewExactCacheFromClient(a.rdb, a.log)
		a.cacheProbe = redisProbe(a.rdb)
		a.log.Info("cache backend: redis")

	case config.ModeMemory:
		a.memCache = cache.NewMemoryCache(ctx)
		a.respCache = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case config.ModeNone:
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	switch a.cfg.LedgerMode {
	case config.ModeRedis:
		a.ledger = budget.NewRedisLedger(a.rdb)
		a.log.Info("budget ledger: redis")
	case config.ModeMemory:
		a.ledger = budget.NewMemoryLedger()
		a.log.Info("budget ledger: memory (in-process)")
	default:
		return fmt.Errorf("unknown ledger mode: %s", a.cfg.LedgerMode)
	}

	if err := a.initAudit(ctx); err != nil {
		return err
	}

	a.reqLogger = logger.New(a.baseCtx, a.log, a.sink, logger.WithOnDrop(a.prom.IncAuditDropped))

	return nil
}

// initAudit selects where outcome records are written and which backend
// answers GET /v1/stats.
func (a *App) initAudit(ctx context.Context) error {
	switch a.cfg.Audit.Sink {
	case config.SinkLog:
		a.log.Info("audit sink: log only")

	case config.SinkPostgres:
		pg, ok := a.tenants.(*postgres.Store)
		if !ok {
			return fmt.Errorf("audit sink postgres requires DATABASE_URL")
		}
		a.sink = pg
		a.statsReader = pg
		a.log.Info("audit sink: postgres")

	case config.SinkClickHouse:
		ch, err := audit.NewClickHouseSink(ctx, a.cfg.Audit.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.clickhouse = ch
		a.sink = ch
		a.statsReader = ch
		a.log.Info("audit sink: clickhouse")

	default:
		return fmt.Errorf("unknown audit sink: %s", a.cfg.Audit.Sink)
	}
	return nil
}

// initGateway wires the engine, limiters and health checker into the HTTP
// server.
func (a *App) initGateway(_ context.Context) error {
	exclusions, err := cache.ParseExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}
	if exclusions.Len() > 0 {
		a.log.Info("cache exclusions loaded", slog.Int("rules", exclusions.Len()))
	}

	eng := engine.New(a.policy, a.adapters, a.engineOptions(exclusions))

	opts := proxy.Options{
		Engine:        eng,
		Keys:          auth.NewResolver(a.tenants, a.cfg.APIKeyPepper),
		Store:         a.tenants,
		Ledger:        a.ledger,
		Metrics:       a.prom,
		Logger:        a.log,
		AdminKey:      a.cfg.AdminKey,
		CORSOrigins:   a.cfg.CORSOrigins,
		Version:       a.version,
		PolicyVersion: a.policy.Version,
	}
	if a.statsReader != nil {
		opts.Stats = a.statsReader
	}

	// Rate limiting needs Redis.
	if a.rdb != nil {
		if a.cfg.RateLimit.RPMLimit > 0 {
			opts.RPM = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
		}
		opts.Signup = ratelimit.NewSignupLimiter(a.rdb, a.cfg.RateLimit.SignupPerHour, a.log)
	} else if a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Warn("RPM_LIMIT ignored: REDIS_URL is not set")
	}

	if a.cfg.AdminKey == "" {
		a.log.Warn("admin API disabled: ADMIN_KEY is not set")
	}

	a.health = proxy.NewHealthChecker(a.baseCtx, a.adapters, proxy.Probes{
		Cache:    a.cacheProbe,
		Database: a.tenants.Ping,
	}, a.prom)
	opts.Health = a.health

	a.srv = proxy.New(opts)

	return nil
}

// buildAdapters creates an adapter for every provider with an API key.
func buildAdapters(ctx context.Context, cfg *config.Config) (map[providers.Kind]providers.Adapter, error) {
	adapters := make(map[providers.Kind]providers.Adapter)

	if cfg.OpenAI.APIKey != "" {
		opts := []openaiprov.Option{openaiprov.WithTimeout(cfg.ProviderTimeout)}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		adapters[providers.KindOpenAI] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		opts := []anthropicprov.Option{anthropicprov.WithTimeout(cfg.ProviderTimeout)}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters[providers.KindAnthropic] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		opts := []geminiprov.Option{geminiprov.WithTimeout(cfg.ProviderTimeout)}
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		p, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		adapters[providers.KindGemini] = p
	}

	return adapters, nil
}
