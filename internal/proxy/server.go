// Package proxy is the HTTP surface of the gateway.
//
// The Server authenticates the caller's API key, applies the per-workspace
// rate limit, parses the OpenAI-compatible body and hands the request to the
// execution engine. It also serves the usage stats, the admin API for
// workspaces and keys, self-service key issuance, and the health and metrics
// endpoints.
//
// Key design constraints:
//   - All optional collaborators (limiters, stats, ledger, metrics, health)
//     are nil-safe.
//   - Streaming is rejected with 400; every response body is a complete JSON
//     document.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/budget"
	"github.com/nulpointcorp/cost-gateway/internal/engine"
	"github.com/nulpointcorp/cost-gateway/internal/metrics"
	"github.com/nulpointcorp/cost-gateway/internal/ratelimit"
	"github.com/nulpointcorp/cost-gateway/internal/store"
)

// Executor runs one chat request through the pipeline. *engine.Engine
// implements it.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// KeyService resolves API keys to workspaces and issues new keys.
// *auth.Resolver implements it.
type KeyService interface {
	ResolveTenant(ctx context.Context, rawKey string) (string, error)
	Issue() (raw, hash string, err error)
}

// Options holds the server collaborators. Engine, Keys and Store are
// required; everything else may be nil.
type Options struct {
	Engine Executor
	Keys   KeyService
	Store  store.Store

	// Stats backs GET /v1/stats. Nil reports zero usage.
	Stats audit.StatsReader

	// Ledger supplies the month-to-date spend shown by GET /v1/stats.
	Ledger budget.Ledger

	RPM    *ratelimit.RPMLimiter
	Signup *ratelimit.SignupLimiter

	Metrics *metrics.Registry
	Health  *HealthChecker
	Logger  *slog.Logger

	// AdminKey guards /admin. Empty disables the admin API.
	AdminKey string

	// CORSOrigins is the allowed origin list. Empty or ["*"] allows any.
	CORSOrigins []string

	Version       string
	PolicyVersion string

	Now func() time.Time
}

// Server is the gateway HTTP server.
type Server struct {
	engine Executor
	keys   KeyService
	store  store.Store
	stats  audit.StatsReader
	ledger budget.Ledger
	rpm    *ratelimit.RPMLimiter
	signup *ratelimit.SignupLimiter

	metrics *metrics.Registry
	health  *HealthChecker
	log     *slog.Logger

	adminKey      string
	corsOrigins   []string
	version       string
	policyVersion string
	now           func() time.Time

	srv *fasthttp.Server
}

// New builds a Server. It does not start listening.
func New(opts Options) *Server {
	s := &Server{
		engine:        opts.Engine,
		keys:          opts.Keys,
		store:         opts.Store,
		stats:         opts.Stats,
		ledger:        opts.Ledger,
		rpm:           opts.RPM,
		signup:        opts.Signup,
		metrics:       opts.Metrics,
		health:        opts.Health,
		log:           opts.Logger,
		adminKey:      opts.AdminKey,
		corsOrigins:   opts.CORSOrigins,
		version:       opts.Version,
		policyVersion: opts.PolicyVersion,
		now:           opts.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.instrument("chat_completions", s.handleChat))
	r.GET("/v1/stats", s.instrument("stats", s.handleStats))

	r.POST("/admin/workspaces", s.instrument("admin_workspaces", s.requireAdmin(s.handleCreateWorkspace)))
	r.POST("/admin/workspaces/{id}/keys", s.instrument("admin_keys", s.requireAdmin(s.handleCreateKey)))
	r.DELETE("/admin/workspaces/{id}/keys/{key_id}", s.instrument("admin_keys", s.requireAdmin(s.handleRevokeKey)))

	r.POST("/api/generate_key_v0", s.instrument("generate_key", s.handleGenerateKey))

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		requestID,
		recovery(s.log),
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// ListenAndServe serves on addr (e.g. ":8080") until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// instrument records in-flight, latency and size metrics for one route.
func (s *Server) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.metrics == nil {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
				len(ctx.PostBody()), len(ctx.Response.Body()))
		}()
		h(ctx)
	}
}

type healthResponse struct {
	HealthSnapshot
	Version       string `json:"version,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	resp := healthResponse{
		HealthSnapshot: HealthSnapshot{Status: "ok"},
		Version:        s.version,
		PolicyVersion:  s.policyVersion,
	}
	if s.health != nil {
		resp.HealthSnapshot = s.health.Snapshot()
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}
