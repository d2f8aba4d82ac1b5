package proxy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/auth"
	"github.com/nulpointcorp/cost-gateway/internal/engine"
	"github.com/nulpointcorp/cost-gateway/internal/providers"
	"github.com/nulpointcorp/cost-gateway/pkg/apierr"
)

// Response headers describing how a chat request was served.
const (
	headerCache    = "X-Cache"
	headerRoute    = "X-Route"
	headerProvider = "X-Provider"
	headerOutcome  = "X-Outcome"

	// defaultRouteName is reported in X-Route when no policy rule matched.
	defaultRouteName = "default"
)

// handleChat serves POST /v1/chat/completions.
func (s *Server) handleChat(ctx *fasthttp.RequestCtx) {
	reqID := requestIDOf(ctx)

	wsID, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	if !s.allowRPM(ctx, wsID) {
		s.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", reqID),
			slog.String("workspace_id", wsID),
		)
		apierr.WriteRateLimit(ctx)
		return
	}

	chat, err := providers.ParseChatRequest(ctx.PostBody())
	if errors.Is(err, providers.ErrStreamingUnsupported) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeStreamUnsupported)
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	res, err := s.engine.Execute(ctx, engine.Request{
		WorkspaceID: wsID,
		RequestID:   reqID,
		Chat:        chat,
		Budget:      s.limitsFor(ctx, wsID),
	})
	if err != nil {
		s.writeEngineError(ctx, err)
		return
	}

	route := res.RouteName
	if route == "" {
		route = defaultRouteName
	}

	h := &ctx.Response.Header
	h.Set(headerCache, string(res.CacheStatus))
	h.Set(headerRoute, route)
	h.Set(headerProvider, string(res.Provider))
	h.Set(headerOutcome, string(res.Outcome))

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(res.Body)
}

// authenticate resolves the Bearer key to a workspace ID. It writes the
// error response and returns false when the caller is not authenticated.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx) (string, bool) {
	raw, ok := auth.BearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if !ok {
		apierr.WriteUnauthorized(ctx, "missing API key: use 'Authorization: Bearer <key>'")
		return "", false
	}

	wsID, err := s.keys.ResolveTenant(ctx, raw)
	if errors.Is(err, auth.ErrInvalidKey) {
		apierr.WriteUnauthorized(ctx, "invalid API key")
		return "", false
	}
	if err != nil {
		s.log.ErrorContext(ctx, "tenant_resolve_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to resolve API key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return "", false
	}
	return wsID, true
}

func (s *Server) allowRPM(ctx *fasthttp.RequestCtx, wsID string) bool {
	if s.rpm == nil {
		return true
	}
	allowed, err := s.rpm.Allow(ctx, wsID)
	if s.metrics != nil {
		switch {
		case err != nil:
			s.metrics.RecordRateLimit("rpm", "error")
		case allowed:
			s.metrics.RecordRateLimit("rpm", "allowed")
		default:
			s.metrics.RecordRateLimit("rpm", "blocked")
		}
	}
	return err != nil || allowed
}

// limitsFor returns the budget of wsID. A failed lookup falls back to the
// policy defaults.
func (s *Server) limitsFor(ctx *fasthttp.RequestCtx, wsID string) engine.Limits {
	if s.store == nil {
		return engine.Limits{}
	}
	ws, err := s.store.Workspace(ctx, wsID)
	if err != nil {
		s.log.WarnContext(ctx, "workspace_lookup_failed",
			slog.String("request_id", requestIDOf(ctx)),
			slog.String("workspace_id", wsID),
			slog.String("error", err.Error()),
		)
		return engine.Limits{}
	}
	return engine.Limits{MonthlyUSD: ws.MonthlyBudgetUSD, Action: ws.ActionOnExceed}
}

// writeEngineError maps pipeline errors to HTTP responses.
//
//	*engine.BudgetExceededError → 402
//	*engine.ExhaustedError      → 504 on timeout, else the provider mapping
//	all other errors            → 500
func (s *Server) writeEngineError(ctx *fasthttp.RequestCtx, err error) {
	var budgetErr *engine.BudgetExceededError
	if errors.As(err, &budgetErr) {
		ctx.Response.Header.Set(headerOutcome, string(audit.OutcomeBlocked))
		apierr.WriteBudgetExceeded(ctx, fmt.Sprintf(
			"monthly budget of $%.2f exceeded for this workspace", budgetErr.Limit))
		return
	}

	ctx.Response.Header.Set(headerOutcome, string(audit.OutcomeError))

	var exhausted *engine.ExhaustedError
	if errors.As(err, &exhausted) {
		if exhausted.Timeout() {
			apierr.WriteTimeout(ctx)
			return
		}
		apierr.WriteProviderError(ctx, exhausted.HTTPStatus(), exhausted.Error())
		return
	}

	s.log.ErrorContext(ctx, "execute_failed",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal server error",
		apierr.TypeServerError, apierr.CodeInternalError)
}
