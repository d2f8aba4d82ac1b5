// Package engine runs one chat request through the gateway pipeline:
// estimate, route, cache lookup, budget check, primary attempts with
// backoff, one fallback call, then accounting.
//
// The budget read and the spend write are separate ledger operations with a
// provider call in between. Concurrent requests of one workspace can both
// pass the check, so a ceiling may be overshot slightly. Concurrent
// identical requests may both miss the cache and both call the upstream.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/budget"
	"github.com/nulpointcorp/cost-gateway/internal/cache"
	"github.com/nulpointcorp/cost-gateway/internal/fingerprint"
	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/providers"
	"github.com/nulpointcorp/cost-gateway/internal/routing"
)

// Budget actions reported to Metrics.
const (
	BudgetBlocked    = "blocked"
	BudgetDowngraded = "downgraded"
)

// Recorder receives the outcome record of every request. logger.Logger
// implements it.
type Recorder interface {
	Record(rec audit.Record)
}

// Metrics receives pipeline events. metrics.Registry implements it.
type Metrics interface {
	RecordAttempt(provider, model string, ok bool, latency time.Duration)
	RecordOutcome(outcome audit.Outcome, cache audit.CacheStatus)
	RecordBudgetAction(action string)
	RecordSpend(provider, model string, usd float64, promptTokens, completionTokens int)
}

// Options carries the engine collaborators. Every field is optional: a nil
// Cache bypasses caching, a nil Ledger disables budget checks.
type Options struct {
	Cache      cache.Cache
	Ledger     budget.Ledger
	Recorder   Recorder
	Exclusions *cache.ExclusionList
	Metrics    Metrics
	Logger     *slog.Logger

	// AttemptTimeout bounds every upstream call. Defaults to
	// providers.ProviderTimeout.
	AttemptTimeout time.Duration

	Sleep func(time.Duration)
	Now   func() time.Time
}

// Limits is the budget of the calling workspace. The zero value uses the
// policy defaults. A non-positive MonthlyUSD means no ceiling.
type Limits struct {
	MonthlyUSD float64
	Action     policy.Action
}

type Request struct {
	WorkspaceID string
	RequestID   string
	Chat        *providers.ChatRequest
	Budget      Limits
}

// Result describes a served request. Body is the canonical chat.completion
// JSON, byte-identical to the cached entry on a hit.
type Result struct {
	Body          []byte
	Provider      providers.Kind
	Model         string
	RouteName     string
	CacheStatus   audit.CacheStatus
	Outcome       audit.Outcome
	Attempts      int
	Usage         providers.Usage
	ActualCostUSD float64
	Downgraded    bool
	Latency       time.Duration
}

type Engine struct {
	policy   *policy.Policy
	adapters map[providers.Kind]providers.Adapter

	cache      cache.Cache
	ledger     budget.Ledger
	recorder   Recorder
	exclusions *cache.ExclusionList
	metrics    Metrics
	log        *slog.Logger

	attemptTimeout time.Duration
	sleep          func(time.Duration)
	now            func() time.Time
}

// New builds an engine around an immutable policy. The adapters map is
// not modified after construction.
func New(p *policy.Policy, adapters map[providers.Kind]providers.Adapter, opts Options) *Engine {
	e := &Engine{
		policy:         p,
		adapters:       adapters,
		cache:          opts.Cache,
		ledger:         opts.Ledger,
		recorder:       opts.Recorder,
		exclusions:     opts.Exclusions,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		attemptTimeout: opts.AttemptTimeout,
		sleep:          opts.Sleep,
		now:            opts.Now,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.attemptTimeout <= 0 {
		e.attemptTimeout = providers.ProviderTimeout
	}
	if e.sleep == nil {
		e.sleep = time.Sleep
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Policy() *policy.Policy { return e.policy }

// Execute serves req. It returns *BudgetExceededError when the request is
// blocked and *ExhaustedError when every upstream call failed. Caller
// cancellation does not stop the pipeline once it has started.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	p := e.policy
	start := e.now()
	chat := req.Chat

	est := fingerprint.EstimateTokens(chat)
	dec := routing.Choose(p, est)
	route := dec.Route()

	rec := audit.Record{
		ID:             uuid.NewString(),
		RequestID:      req.RequestID,
		WorkspaceID:    req.WorkspaceID,
		Timestamp:      start.UTC(),
		Provider:       string(route.Provider),
		ModelRequested: chat.Model,
		ModelUsed:      route.Model,
		RouteName:      dec.RouteName,
		CacheStatus:    audit.CacheBypass,
		EstInputTokens: est,
		RequestHash:    fingerprint.Compute(chat, p.Version, route.Model),
		PolicyVersion:  p.Version,
	}

	log := e.log.With(
		slog.String("request_id", req.RequestID),
		slog.String("workspace_id", req.WorkspaceID),
	)

	if e.cacheable(chat, route.Model) {
		key := cache.Key(rec.RequestHash)
		if body, ok := e.cache.Get(ctx, key); ok {
			rec.CacheStatus = audit.CacheHit
			rec.Outcome = audit.OutcomeOK
			rec.BaselineCostUSD = p.EstimateCost(p.Defaults, est)
			e.finish(&rec, start)
			return &Result{
				Body:        body,
				Provider:    route.Provider,
				Model:       route.Model,
				RouteName:   dec.RouteName,
				CacheStatus: audit.CacheHit,
				Outcome:     audit.OutcomeOK,
				Latency:     e.now().Sub(start),
			}, nil
		}
		rec.CacheStatus = audit.CacheMiss
	}

	rec.EstCostUSD = p.EstimateCost(route, est)

	route, downgraded, err := e.checkBudget(ctx, log, req, route, est, rec.EstCostUSD)
	if err != nil {
		rec.Outcome = audit.OutcomeBlocked
		rec.Error = err.Error()
		e.finish(&rec, start)
		return nil, err
	}
	if downgraded {
		rec.Provider = string(route.Provider)
		rec.ModelUsed = route.Model
		rec.EstCostUSD = p.EstimateCost(route, est)
	}

	resp, served, outcome, attempts, err := e.dispatch(ctx, log, chat, route)
	rec.Attempts = attempts
	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Error = err.Error()
		e.finish(&rec, start)
		log.ErrorContext(ctx, "request_failed",
			slog.String("route", route.String()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	tokens := est
	if resp.Usage.Reported {
		tokens = resp.Usage.TotalTokens
		in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		rec.ActualInputTokens = &in
		rec.ActualOutputTokens = &out
	}
	cost := p.EstimateCost(served, tokens)

	rec.Provider = string(served.Provider)
	rec.ModelUsed = served.Model
	rec.Outcome = outcome
	rec.ActualCostUSD = cost
	rec.BaselineCostUSD = p.EstimateCost(p.Defaults, tokens)

	if e.ledger != nil && cost > 0 {
		if err := e.ledger.AddSpend(ctx, req.WorkspaceID, cost); err != nil {
			log.WarnContext(ctx, "budget_add_spend_failed",
				slog.Float64("amount_usd", cost),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.metrics != nil {
		e.metrics.RecordSpend(string(served.Provider), served.Model, cost, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	e.finish(&rec, start)

	if rec.CacheStatus == audit.CacheMiss {
		// Keyed by the fingerprint of the routed model, even when a
		// downgrade or the fallback served the request.
		if err := e.cache.Set(ctx, cache.Key(rec.RequestHash), resp.Raw, p.Cache.TTL); err != nil {
			log.WarnContext(ctx, "cache_set_failed", slog.String("error", err.Error()))
		}
	}

	return &Result{
		Body:          resp.Raw,
		Provider:      served.Provider,
		Model:         served.Model,
		RouteName:     dec.RouteName,
		CacheStatus:   rec.CacheStatus,
		Outcome:       outcome,
		Attempts:      attempts,
		Usage:         resp.Usage,
		ActualCostUSD: cost,
		Downgraded:    downgraded,
		Latency:       e.now().Sub(start),
	}, nil
}

// cacheable reports whether the cache takes part in a request: caching is
// on, the temperature is exactly 0 and the routed model is not excluded.
func (e *Engine) cacheable(chat *providers.ChatRequest, model string) bool {
	return e.cache != nil &&
		e.policy.Cache.Enabled &&
		chat.EffectiveTemperature() == 0 &&
		!e.exclusions.Matches(model)
}

func (e *Engine) limits(req Request) Limits {
	l := req.Budget
	if l == (Limits{}) {
		l.MonthlyUSD = e.policy.Budget.DefaultMonthlyUSD
	}
	if l.Action == "" {
		l.Action = e.policy.Budget.ActionOnExceed
	}
	return l
}

// checkBudget returns the route to call. Over budget it either blocks or
// substitutes the cheapest priced route with a configured adapter.
func (e *Engine) checkBudget(ctx context.Context, log *slog.Logger, req Request, route policy.Route, est int, estCost float64) (policy.Route, bool, error) {
	if e.ledger == nil {
		return route, false, nil
	}
	lim := e.limits(req)
	if lim.MonthlyUSD <= 0 {
		return route, false, nil
	}

	spend, err := e.ledger.CurrentSpend(ctx, req.WorkspaceID)
	if err != nil {
		log.WarnContext(ctx, "budget_read_failed", slog.String("error", err.Error()))
		return route, false, nil
	}
	if !budget.Exceeds(spend, estCost, lim.MonthlyUSD) {
		return route, false, nil
	}

	if lim.Action == policy.ActionBlock {
		if e.metrics != nil {
			e.metrics.RecordBudgetAction(BudgetBlocked)
		}
		log.WarnContext(ctx, "budget_blocked",
			slog.Float64("spend_usd", spend),
			slog.Float64("estimate_usd", estCost),
			slog.Float64("limit_usd", lim.MonthlyUSD),
		)
		return route, false, &BudgetExceededError{
			WorkspaceID: req.WorkspaceID,
			Spend:       spend,
			Estimate:    estCost,
			Limit:       lim.MonthlyUSD,
		}
	}

	cheapest, ok := e.policy.Cheapest(e.hasAdapter)
	if !ok || cheapest == route {
		log.InfoContext(ctx, "budget_downgrade_unavailable",
			slog.String("route", route.String()),
			slog.Float64("spend_usd", spend),
		)
		return route, false, nil
	}

	if e.metrics != nil {
		e.metrics.RecordBudgetAction(BudgetDowngraded)
	}
	log.InfoContext(ctx, "budget_downgraded",
		slog.String("from", route.String()),
		slog.String("to", cheapest.String()),
		slog.Float64("spend_usd", spend),
		slog.Float64("estimate_usd", estCost),
		slog.Float64("limit_usd", lim.MonthlyUSD),
		slog.Int("est_tokens", est),
	)
	return cheapest, true, nil
}

func (e *Engine) hasAdapter(k providers.Kind) bool {
	_, ok := e.adapters[k]
	return ok
}

// dispatch makes up to MaxAttempts calls on route, sleeping the policy
// backoff between them, then one call on the fallback route.
func (e *Engine) dispatch(ctx context.Context, log *slog.Logger, chat *providers.ChatRequest, route policy.Route) (*providers.Response, policy.Route, audit.Outcome, int, error) {
	p := e.policy
	attempts := 0
	var lastErr error

	if adapter, ok := e.adapters[route.Provider]; ok {
		maxAttempts := max(1, p.Retry.MaxAttempts)
		for i := 1; i <= maxAttempts; i++ {
			if i > 1 {
				e.sleep(p.BackoffFor(i - 1))
			}
			attempts++
			resp, err := e.call(ctx, adapter, chat, route)
			if err == nil {
				outcome := audit.OutcomeOK
				if i > 1 {
					outcome = audit.OutcomeRetried
				}
				return resp, route, outcome, attempts, nil
			}
			lastErr = err
			log.WarnContext(ctx, "provider_attempt_failed",
				slog.String("route", route.String()),
				slog.Int("attempt", i),
				slog.Int("max_attempts", maxAttempts),
				slog.String("error", err.Error()),
			)
		}
	} else {
		lastErr = &UnavailableError{Provider: route.Provider}
	}

	if p.Fallback == nil {
		return nil, route, audit.OutcomeError, attempts, &ExhaustedError{Attempts: attempts, Err: lastErr}
	}

	fb := *p.Fallback
	adapter, ok := e.adapters[fb.Provider]
	if !ok {
		return nil, route, audit.OutcomeError, attempts, &ExhaustedError{
			Attempts: attempts,
			Fallback: true,
			Err:      errors.Join(lastErr, &UnavailableError{Provider: fb.Provider}),
		}
	}

	attempts++
	resp, err := e.call(ctx, adapter, chat, fb)
	if err != nil {
		log.WarnContext(ctx, "fallback_failed",
			slog.String("route", fb.String()),
			slog.String("error", err.Error()),
		)
		return nil, route, audit.OutcomeError, attempts, &ExhaustedError{Attempts: attempts, Fallback: true, Err: err}
	}

	log.InfoContext(ctx, "fallback_served",
		slog.String("primary", route.String()),
		slog.String("fallback", fb.String()),
	)
	return resp, fb, audit.OutcomeFallback, attempts, nil
}

func (e *Engine) call(ctx context.Context, adapter providers.Adapter, chat *providers.ChatRequest, route policy.Route) (*providers.Response, error) {
	actx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	resp, latency, err := adapter.Call(actx, chat, route.Model)
	if err == nil && resp == nil {
		err = &providers.TranslationError{Provider: route.Provider, Reason: "empty response"}
	}
	if e.metrics != nil {
		e.metrics.RecordAttempt(string(route.Provider), route.Model, err == nil, latency)
	}
	return resp, err
}

func (e *Engine) finish(rec *audit.Record, start time.Time) {
	rec.LatencyMs = e.now().Sub(start).Milliseconds()
	if e.metrics != nil {
		e.metrics.RecordOutcome(rec.Outcome, rec.CacheStatus)
	}
	if e.recorder != nil {
		e.recorder.Record(*rec)
	}
}
