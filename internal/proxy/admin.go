package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/store"
	"github.com/nulpointcorp/cost-gateway/pkg/apierr"
)

type (
	statsResponse struct {
		WorkspaceID      string  `json:"workspace_id"`
		RequestsToday    int64   `json:"requests_today"`
		CostTodayUSD     float64 `json:"cost_today_usd"`
		WouldHaveCostUSD float64 `json:"would_have_cost_usd"`
		SavingsUSD       float64 `json:"savings_usd"`
		SavingsPct       float64 `json:"savings_pct"`
		MonthSpendUSD    float64 `json:"month_spend_usd"`
	}

	createWorkspaceRequest struct {
		Name             string   `json:"name"`
		OwnerEmail       string   `json:"owner_email"`
		MonthlyBudgetUSD *float64 `json:"monthly_budget_usd"`
		ActionOnExceed   string   `json:"action_on_exceed"`
	}

	workspaceResponse struct {
		ID               string    `json:"id"`
		Name             string    `json:"name"`
		OwnerEmail       string    `json:"owner_email,omitempty"`
		MonthlyBudgetUSD float64   `json:"monthly_budget_usd"`
		ActionOnExceed   string    `json:"action_on_exceed"`
		CreatedAt        time.Time `json:"created_at"`
	}

	createKeyResponse struct {
		ID          string    `json:"id"`
		WorkspaceID string    `json:"workspace_id"`
		APIKey      string    `json:"api_key"`
		CreatedAt   time.Time `json:"created_at"`
	}

	generateKeyRequest struct {
		Email string `json:"email"`
	}

	generateKeyResponse struct {
		APIKey string `json:"api_key"`
	}
)

// handleStats serves GET /v1/stats: usage since the start of the UTC day
// plus the month-to-date ledger spend.
func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	wsID, ok := s.authenticate(ctx)
	if !ok {
		return
	}

	var st audit.Stats
	if s.stats != nil {
		var err error
		st, err = s.stats.Stats(ctx, wsID, audit.StartOfDay(s.now()))
		if err != nil {
			s.log.ErrorContext(ctx, "stats_read_failed",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("workspace_id", wsID),
				slog.String("error", err.Error()),
			)
			apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to read usage stats",
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
	}

	resp := statsResponse{
		WorkspaceID:      wsID,
		RequestsToday:    st.Requests,
		CostTodayUSD:     st.CostUSD,
		WouldHaveCostUSD: st.WouldHaveCostUSD,
		SavingsUSD:       st.SavingsUSD,
		SavingsPct:       st.SavingsPct,
	}
	if s.ledger != nil {
		spend, err := s.ledger.CurrentSpend(ctx, wsID)
		if err != nil {
			s.log.WarnContext(ctx, "budget_read_failed",
				slog.String("workspace_id", wsID),
				slog.String("error", err.Error()),
			)
		}
		resp.MonthSpendUSD = spend
	}

	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// requireAdmin guards h with the X-Admin-Key header.
func (s *Server) requireAdmin(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.adminKey == "" {
			apierr.Write(ctx, fasthttp.StatusForbidden, "admin API is disabled",
				apierr.TypePermissionError, apierr.CodeForbidden)
			return
		}
		got := ctx.Request.Header.Peek("X-Admin-Key")
		if subtle.ConstantTimeCompare(got, []byte(s.adminKey)) != 1 {
			apierr.Write(ctx, fasthttp.StatusForbidden, "invalid admin key",
				apierr.TypePermissionError, apierr.CodeForbidden)
			return
		}
		h(ctx)
	}
}

// handleCreateWorkspace serves POST /admin/workspaces.
func (s *Server) handleCreateWorkspace(ctx *fasthttp.RequestCtx) {
	var req createWorkspaceRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}

	in := store.NewWorkspace{
		Name:             strings.TrimSpace(req.Name),
		OwnerEmail:       store.NormalizeEmail(req.OwnerEmail),
		MonthlyBudgetUSD: store.DefaultMonthlyBudgetUSD,
	}
	if in.Name == "" && in.OwnerEmail == "" {
		writeBadRequest(ctx, "field 'name' is required")
		return
	}
	if req.MonthlyBudgetUSD != nil {
		if *req.MonthlyBudgetUSD < 0 {
			writeBadRequest(ctx, "field 'monthly_budget_usd' must be >= 0")
			return
		}
		in.MonthlyBudgetUSD = *req.MonthlyBudgetUSD
	}
	if req.ActionOnExceed != "" {
		action, err := policy.ParseAction(req.ActionOnExceed)
		if err != nil {
			writeBadRequest(ctx, "field 'action_on_exceed' must be 'downgrade' or 'block'")
			return
		}
		in.ActionOnExceed = action
	}

	ws, err := s.store.CreateWorkspace(ctx, in)
	if err != nil {
		s.writeStoreError(ctx, "create_workspace_failed", err)
		return
	}

	s.log.InfoContext(ctx, "workspace_created",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("workspace_id", ws.ID),
	)

	writeJSON(ctx, fasthttp.StatusCreated, workspaceResponse{
		ID:               ws.ID,
		Name:             ws.Name,
		OwnerEmail:       ws.OwnerEmail,
		MonthlyBudgetUSD: ws.MonthlyBudgetUSD,
		ActionOnExceed:   string(ws.ActionOnExceed),
		CreatedAt:        ws.CreatedAt,
	})
}

// handleCreateKey serves POST /admin/workspaces/{id}/keys. The raw key is
// returned once; only its hash is stored.
func (s *Server) handleCreateKey(ctx *fasthttp.RequestCtx) {
	wsID, _ := ctx.UserValue("id").(string)

	raw, hash, err := s.keys.Issue()
	if err != nil {
		s.writeStoreError(ctx, "issue_key_failed", err)
		return
	}

	key, err := s.store.CreateAPIKey(ctx, wsID, hash)
	if err != nil {
		s.writeStoreError(ctx, "create_key_failed", err)
		return
	}

	s.log.InfoContext(ctx, "api_key_created",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("workspace_id", wsID),
		slog.String("key_id", key.ID),
	)

	writeJSON(ctx, fasthttp.StatusCreated, createKeyResponse{
		ID:          key.ID,
		WorkspaceID: key.WorkspaceID,
		APIKey:      raw,
		CreatedAt:   key.CreatedAt,
	})
}

// handleRevokeKey serves DELETE /admin/workspaces/{id}/keys/{key_id}.
func (s *Server) handleRevokeKey(ctx *fasthttp.RequestCtx) {
	wsID, _ := ctx.UserValue("id").(string)
	keyID, _ := ctx.UserValue("key_id").(string)

	if err := s.store.RevokeAPIKey(ctx, wsID, keyID); err != nil {
		s.writeStoreError(ctx, "revoke_key_failed", err)
		return
	}

	s.log.InfoContext(ctx, "api_key_revoked",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("workspace_id", wsID),
		slog.String("key_id", keyID),
	)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// handleGenerateKey serves POST /api/generate_key_v0: self-service key
// issuance for an email address, limited per client IP and hour.
func (s *Server) handleGenerateKey(ctx *fasthttp.RequestCtx) {
	ip := clientIP(ctx)

	if s.signup != nil {
		rl := s.signup.Check(ctx, ip)
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
		if !rl.Allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimit("signup", "blocked")
			}
			ctx.Response.Header.Set("Retry-After", strconv.Itoa(rl.ResetSeconds))
			apierr.Write(ctx, fasthttp.StatusTooManyRequests, "rate_limited",
				apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordRateLimit("signup", "allowed")
		}
	}

	var req generateKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	email := store.NormalizeEmail(req.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		writeBadRequest(ctx, "field 'email' must be a valid email address")
		return
	}

	raw, hash, err := s.keys.Issue()
	if err != nil {
		s.writeStoreError(ctx, "issue_key_failed", err)
		return
	}
	key, err := s.store.RegisterSignup(ctx, email, hash)
	if err != nil {
		s.writeStoreError(ctx, "register_signup_failed", err)
		return
	}

	s.log.InfoContext(ctx, "signup_key_issued",
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("workspace_id", key.WorkspaceID),
	)
	writeJSON(ctx, fasthttp.StatusOK, generateKeyResponse{APIKey: raw})
}

// clientIP returns the first X-Forwarded-For entry, else the peer address.
// Loopback peers are normalized to 127.0.0.1.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	ip := ctx.RemoteIP()
	if ip == nil || ip.IsUnspecified() {
		return "unknown"
	}
	if ip.IsLoopback() {
		return "127.0.0.1"
	}
	return ip.String()
}

func (s *Server) writeStoreError(ctx *fasthttp.RequestCtx, event string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not found",
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}
	s.log.ErrorContext(ctx, event,
		slog.String("request_id", requestIDOf(ctx)),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, fasthttp.StatusInternalServerError, "internal server error",
		apierr.TypeServerError, apierr.CodeInternalError)
}

func writeBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
