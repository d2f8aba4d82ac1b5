package proxy

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/cost-gateway/internal/ratelimit"
)

func (h *harness) admin(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return h.do(t, method, path, "", body, "X-Admin-Key", testAdminKey)
}

// --- admin auth -------------------------------------------------------------

func TestAdmin_RequiresKey(t *testing.T) {
	h := newHarness(t)

	expectError(t, h.do(t, http.MethodPost, "/admin/workspaces", "", map[string]any{"name": "x"}),
		http.StatusForbidden, "permission_error", "forbidden")
	expectError(t, h.do(t, http.MethodPost, "/admin/workspaces", "", map[string]any{"name": "x"}, "X-Admin-Key", "wrong"),
		http.StatusForbidden, "permission_error", "forbidden")
}

func TestAdmin_DisabledWithoutAdminKey(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AdminKey = "" })

	resp := h.do(t, http.MethodPost, "/admin/workspaces", "", map[string]any{"name": "x"}, "X-Admin-Key", "")
	expectError(t, resp, http.StatusForbidden, "permission_error", "forbidden")
}

// --- workspaces -------------------------------------------------------------

func TestAdmin_CreateWorkspaceDefaults(t *testing.T) {
	h := newHarness(t)

	resp := h.admin(t, http.MethodPost, "/admin/workspaces", map[string]any{"name": "team-a"})
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}

	var ws workspaceResponse
	if err := json.Unmarshal(body, &ws); err != nil {
		t.Fatal(err)
	}
	if ws.ID == "" || ws.Name != "team-a" {
		t.Errorf("unexpected workspace: %+v", ws)
	}
	if ws.MonthlyBudgetUSD != 200 || ws.ActionOnExceed != "downgrade" {
		t.Errorf("expected defaults 200/downgrade, got %v/%s", ws.MonthlyBudgetUSD, ws.ActionOnExceed)
	}
}

func TestAdmin_CreateWorkspaceExplicit(t *testing.T) {
	h := newHarness(t)

	resp := h.admin(t, http.MethodPost, "/admin/workspaces", map[string]any{
		"name":               "team-b",
		"monthly_budget_usd": 0,
		"action_on_exceed":   "block",
	})
	var ws workspaceResponse
	if err := json.Unmarshal(readBody(t, resp), &ws); err != nil {
		t.Fatal(err)
	}
	if ws.MonthlyBudgetUSD != 0 || ws.ActionOnExceed != "block" {
		t.Errorf("expected explicit 0/block, got %v/%s", ws.MonthlyBudgetUSD, ws.ActionOnExceed)
	}
}

func TestAdmin_CreateWorkspaceInvalid(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		body any
	}{
		{"invalid json", "{"},
		{"missing name", map[string]any{}},
		{"negative budget", map[string]any{"name": "x", "monthly_budget_usd": -1}},
		{"unknown action", map[string]any{"name": "x", "action_on_exceed": "panic"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			expectError(t, h.admin(t, http.MethodPost, "/admin/workspaces", c.body),
				http.StatusBadRequest, "invalid_request_error", "invalid_request")
		})
	}
}

// --- keys -------------------------------------------------------------------

func TestAdmin_KeyLifecycle(t *testing.T) {
	h := newHarness(t)

	resp := h.admin(t, http.MethodPost, "/admin/workspaces/"+h.wsID+"/keys", nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var key createKeyResponse
	if err := json.Unmarshal(body, &key); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key.APIKey, "ck_") || key.WorkspaceID != h.wsID || key.ID == "" {
		t.Fatalf("unexpected key response: %+v", key)
	}

	chat := h.chat(t, key.APIKey, helloBody())
	readBody(t, chat)
	if chat.StatusCode != http.StatusOK {
		t.Fatalf("new key should authenticate, got %d", chat.StatusCode)
	}

	revoke := h.admin(t, http.MethodDelete, "/admin/workspaces/"+h.wsID+"/keys/"+key.ID, nil)
	readBody(t, revoke)
	if revoke.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on revoke, got %d", revoke.StatusCode)
	}

	expectError(t, h.chat(t, key.APIKey, helloBody()), http.StatusUnauthorized, "authentication_error", "invalid_api_key")

	expectError(t, h.admin(t, http.MethodDelete, "/admin/workspaces/"+h.wsID+"/keys/"+key.ID, nil),
		http.StatusNotFound, "invalid_request_error", "not_found")
}

func TestAdmin_CreateKeyUnknownWorkspace(t *testing.T) {
	h := newHarness(t)
	expectError(t, h.admin(t, http.MethodPost, "/admin/workspaces/nope/keys", nil),
		http.StatusNotFound, "invalid_request_error", "not_found")
}

// --- /api/generate_key_v0 ---------------------------------------------------

func newSignupHarness(t *testing.T, perHour int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return newHarness(t, func(o *Options) {
		o.Signup = ratelimit.NewSignupLimiter(rdb, perHour, o.Logger)
	})
}

func TestGenerateKey(t *testing.T) {
	h := newSignupHarness(t, 3)

	resp := h.do(t, http.MethodPost, "/api/generate_key_v0", "", map[string]string{"email": " Dev@Example.com "})
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "2" {
		t.Errorf("X-RateLimit-Remaining = %q, want 2", resp.Header.Get("X-RateLimit-Remaining"))
	}

	var out generateKeyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.APIKey, "ck_") {
		t.Fatalf("expected ck_ key, got %q", out.APIKey)
	}

	chat := h.chat(t, out.APIKey, helloBody())
	readBody(t, chat)
	if chat.StatusCode != http.StatusOK {
		t.Errorf("issued key should authenticate, got %d", chat.StatusCode)
	}
}

func TestGenerateKey_RateLimitedPerIP(t *testing.T) {
	h := newSignupHarness(t, 1)
	body := map[string]string{"email": "a@example.com"}

	first := h.do(t, http.MethodPost, "/api/generate_key_v0", "", body, "X-Forwarded-For", "203.0.113.7")
	readBody(t, first)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first signup should pass, got %d", first.StatusCode)
	}

	second := h.do(t, http.MethodPost, "/api/generate_key_v0", "", body, "X-Forwarded-For", "203.0.113.7")
	if second.Header.Get("Retry-After") == "" {
		t.Error("Retry-After should be set on 429")
	}
	expectError(t, second, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded")

	other := h.do(t, http.MethodPost, "/api/generate_key_v0", "", body, "X-Forwarded-For", "198.51.100.1")
	readBody(t, other)
	if other.StatusCode != http.StatusOK {
		t.Errorf("another IP should not be limited, got %d", other.StatusCode)
	}
}

func TestGenerateKey_InvalidEmail(t *testing.T) {
	h := newHarness(t)

	for _, email := range []string{"", "not-an-email", "Name <a@example.com>"} {
		expectError(t, h.do(t, http.MethodPost, "/api/generate_key_v0", "", map[string]string{"email": email}),
			http.StatusBadRequest, "invalid_request_error", "invalid_request")
	}
}

// --- clientIP ---------------------------------------------------------------

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		remote net.IP
		want   string
	}{
		{"forwarded first entry", "203.0.113.7, 10.0.0.1", net.ParseIP("10.0.0.2"), "203.0.113.7"},
		{"remote address", "", net.ParseIP("192.0.2.10"), "192.0.2.10"},
		{"ipv4 loopback", "", net.ParseIP("127.0.0.1"), "127.0.0.1"},
		{"ipv6 loopback", "", net.ParseIP("::1"), "127.0.0.1"},
		{"blank forwarded header", " ", net.ParseIP("192.0.2.10"), "192.0.2.10"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var req fasthttp.Request
			if c.xff != "" {
				req.Header.Set("X-Forwarded-For", c.xff)
			}
			ctx := &fasthttp.RequestCtx{}
			ctx.Init(&req, &net.TCPAddr{IP: c.remote, Port: 5555}, nil)

			if got := clientIP(ctx); got != c.want {
				t.Errorf("clientIP() = %q, want %q", got, c.want)
			}
		})
	}
}
