// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
)

var latencyBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,model,result}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,model,result}
	upstreamDuration *prometheus.HistogramVec

	// gateway_request_outcomes_total{outcome,cache}
	outcomes *prometheus.CounterVec

	// gateway_budget_actions_total{action}
	budgetActions *prometheus.CounterVec

	// gateway_spend_usd_total{provider,model}
	spendTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_ratelimit_total{limiter,result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_audit_dropped_total
	auditDropped prometheus.Counter

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version,policy_version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream provider calls, primary retries and fallback included",
			},
			[]string{"provider", "model", "result"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "model", "result"},
		),

		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_request_outcomes_total",
				Help: "Terminal request outcomes by cache status",
			},
			[]string{"outcome", "cache"},
		),

		budgetActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_budget_actions_total",
				Help: "Requests over budget, by the action taken",
			},
			[]string{"action"},
		),

		spendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_spend_usd_total",
				Help: "Estimated USD spend recorded against workspace budgets",
			},
			[]string{"provider", "model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"limiter", "result"},
		),

		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_audit_dropped_total",
			Help: "Outcome records dropped because the audit buffer was full",
		}),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version", "policy_version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.outcomes,
		r.budgetActions,
		r.spendTotal,
		r.tokensTotal,
		r.rateLimitTotal,
		r.auditDropped,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// RecordAttempt records one upstream provider call.
func (r *Registry) RecordAttempt(provider, model string, ok bool, latency time.Duration) {
	result := "error"
	if ok {
		result = "ok"
	}
	r.upstreamAttempts.WithLabelValues(provider, model, result).Inc()
	r.upstreamDuration.WithLabelValues(provider, model, result).Observe(latency.Seconds())
}

func (r *Registry) RecordOutcome(outcome audit.Outcome, cache audit.CacheStatus) {
	r.outcomes.WithLabelValues(string(outcome), string(cache)).Inc()
}

func (r *Registry) RecordBudgetAction(action string) {
	r.budgetActions.WithLabelValues(action).Inc()
}

// RecordSpend adds the cost and token counts of one served request.
func (r *Registry) RecordSpend(provider, model string, usd float64, promptTokens, completionTokens int) {
	if usd > 0 {
		r.spendTotal.WithLabelValues(provider, model).Add(usd)
	}
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(completionTokens))
	}
}

func (r *Registry) RecordRateLimit(limiter, result string) {
	r.rateLimitTotal.WithLabelValues(limiter, result).Inc()
}

func (r *Registry) IncAuditDropped() { r.auditDropped.Inc() }

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version, policyVersion string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version, policyVersion).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
