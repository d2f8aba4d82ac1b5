package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/nulpointcorp/cost-gateway/internal/audit"
	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/store"
)

var (
	_ store.Store       = (*Store)(nil)
	_ audit.Sink        = (*Store)(nil)
	_ audit.StatsReader = (*Store)(nil)
)

const wsID = "6f1c0e4a-3c55-4f3a-9d7e-0b8f1b2a9c10"

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestMigrate_Error(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workspaces").WillReturnError(errors.New("permission denied"))

	if err := s.Migrate(context.Background()); err == nil {
		t.Fatal("expected migrate error")
	}
}

func TestWorkspaceIDByKeyHash(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT workspace_id FROM api_keys WHERE key_hash = \\$1 AND revoked_at IS NULL").
		WithArgs("hash-ok").
		WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow(wsID))
	mock.ExpectQuery("SELECT workspace_id FROM api_keys").
		WithArgs("hash-missing").
		WillReturnError(sql.ErrNoRows)

	got, err := s.WorkspaceIDByKeyHash(context.Background(), "hash-ok")
	if err != nil || got != wsID {
		t.Fatalf("WorkspaceIDByKeyHash = %q, %v", got, err)
	}
	if _, err := s.WorkspaceIDByKeyHash(context.Background(), "hash-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkspace(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, name, owner_email, monthly_budget_usd, action_on_exceed, created_at").
		WithArgs(wsID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "owner_email", "monthly_budget_usd", "action_on_exceed", "created_at"}).
			AddRow(wsID, "acme", nil, 75.5, "block", created))

	ws, err := s.Workspace(context.Background(), wsID)
	if err != nil {
		t.Fatalf("Workspace: %v", err)
	}
	if ws.Name != "acme" || ws.OwnerEmail != "" || ws.MonthlyBudgetUSD != 75.5 || ws.ActionOnExceed != policy.ActionBlock {
		t.Fatalf("unexpected workspace %+v", ws)
	}
	if !ws.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v", ws.CreatedAt)
	}
}

func TestWorkspace_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	if _, err := s.Workspace(context.Background(), "not-a-uuid"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("malformed id: expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery("FROM workspaces WHERE id").WithArgs(wsID).WillReturnError(sql.ErrNoRows)
	if _, err := s.Workspace(context.Background(), wsID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateWorkspace(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO workspaces").
		WithArgs(sqlmock.AnyArg(), "acme", sql.NullString{}, 200.0, "downgrade").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	ws, err := s.CreateWorkspace(context.Background(), store.NewWorkspace{Name: "acme", MonthlyBudgetUSD: 200})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if ws.ID == "" || ws.ActionOnExceed != policy.ActionDowngrade || !ws.CreatedAt.Equal(now) {
		t.Fatalf("unexpected workspace %+v", ws)
	}
}

func TestCreateAPIKey_UnknownWorkspace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs(sqlmock.AnyArg(), wsID, "hash").
		WillReturnError(&pq.Error{Code: codeForeignKeyViolation})

	if _, err := s.CreateAPIKey(context.Background(), wsID, "hash"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeAPIKey(t *testing.T) {
	s, mock := newMockStore(t)
	keyID := "0d7f8c7e-7a1e-4f0e-8d6b-1b3c5d7e9f00"

	mock.ExpectExec("UPDATE api_keys SET revoked_at").
		WithArgs(keyID, wsID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE api_keys SET revoked_at").
		WithArgs(keyID, wsID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RevokeAPIKey(context.Background(), wsID, keyID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if err := s.RevokeAPIKey(context.Background(), wsID, keyID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second revoke: expected ErrNotFound, got %v", err)
	}
}

func TestRegisterSignup(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO workspaces .* ON CONFLICT \\(owner_email\\)").
		WithArgs(sqlmock.AnyArg(), "dev@example.com", 200.0, "downgrade").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(wsID))
	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs(sqlmock.AnyArg(), wsID, "hash").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	key, err := s.RegisterSignup(context.Background(), " Dev@Example.COM ", "hash")
	if err != nil {
		t.Fatalf("RegisterSignup: %v", err)
	}
	if key.WorkspaceID != wsID || key.KeyHash != "hash" {
		t.Fatalf("unexpected key %+v", key)
	}
}

func TestRegisterSignup_RollsBackOnKeyError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO workspaces").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(wsID))
	mock.ExpectQuery("INSERT INTO api_keys").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	if _, err := s.RegisterSignup(context.Background(), "dev@example.com", "hash"); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteBatch(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC)
	in, out := 12, 30

	records := []audit.Record{
		{ID: "8a3f2f1e-3a4b-4c5d-8e9f-001122334455", WorkspaceID: wsID, Timestamp: ts, Provider: "openai",
			ModelUsed: "gpt-4o-mini", CacheStatus: audit.CacheMiss, Outcome: audit.OutcomeOK,
			ActualInputTokens: &in, ActualOutputTokens: &out, ActualCostUSD: 0.25, BaselineCostUSD: 1},
		{ID: "not-a-uuid", WorkspaceID: wsID, Timestamp: ts, Provider: "openai",
			CacheStatus: audit.CacheHit, Outcome: audit.OutcomeOK},
		{WorkspaceID: wsID, Timestamp: ts.Add(2 * time.Hour), Provider: "anthropic",
			CacheStatus: audit.CacheBypass, Outcome: audit.OutcomeFallback, ActualCostUSD: 0.5},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO requests")
	prep.ExpectExec().
		WithArgs("8a3f2f1e-3a4b-4c5d-8e9f-001122334455", "", wsID, ts, "openai", "", "gpt-4o-mini",
			sql.NullString{}, "MISS", 0, int64(12), int64(30),
			0.0, 0.25, 1.0, int64(0), "ok", "", "", 0, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO monthly_spend").
		WithArgs(wsID, "2026-05", 0.25).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO monthly_spend").
		WithArgs(wsID, "2026-06", 0.5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.WriteBatch(context.Background(), records); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
}

func TestWriteBatch_InsertErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO requests").ExpectExec().WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	err := s.WriteBatch(context.Background(), []audit.Record{{WorkspaceID: wsID, ActualCostUSD: 1}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteBatch_Empty(t *testing.T) {
	s, _ := newMockStore(t)
	if err := s.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestStats(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT count\\(\\*\\), COALESCE\\(SUM\\(actual_cost_usd\\), 0\\)").
		WithArgs(wsID, since).
		WillReturnRows(sqlmock.NewRows([]string{"count", "cost", "baseline"}).AddRow(int64(4), 1.0, 4.0))

	st, err := s.Stats(context.Background(), wsID, since)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Requests != 4 || st.SavingsUSD != 3 || st.SavingsPct != 75 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
