// Package postgres persists workspaces, API keys and the request log in
// PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nulpointcorp/cost-gateway/internal/policy"
	"github.com/nulpointcorp/cost-gateway/internal/store"
)

// pq error code for foreign_key_violation.
const codeForeignKeyViolation = "23503"

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects to cfg.URL, verifies the connection and applies the schema.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := New(db, log)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open handle without touching the schema.
func New(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate step %d: %w", i, err)
		}
	}
	s.log.Info("postgres_schema_ready", slog.Int("statements", len(schema)))
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) WorkspaceIDByKeyHash(ctx context.Context, keyHash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`,
		keyHash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: lookup key: %w", err)
	}
	return id, nil
}

func (s *Store) Workspace(ctx context.Context, id string) (*store.Workspace, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}

	var (
		ws     store.Workspace
		email  sql.NullString
		action string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_email, monthly_budget_usd, action_on_exceed, created_at
		 FROM workspaces WHERE id = $1`,
		id,
	).Scan(&ws.ID, &ws.Name, &email, &ws.MonthlyBudgetUSD, &action, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get workspace: %w", err)
	}

	ws.OwnerEmail = email.String
	ws.ActionOnExceed = policy.Action(action)
	return &ws, nil
}

func (s *Store) CreateWorkspace(ctx context.Context, in store.NewWorkspace) (*store.Workspace, error) {
	in = in.ApplyDefaults()

	ws := &store.Workspace{
		ID:               uuid.NewString(),
		Name:             in.Name,
		OwnerEmail:       in.OwnerEmail,
		MonthlyBudgetUSD: in.MonthlyBudgetUSD,
		ActionOnExceed:   in.ActionOnExceed,
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO workspaces (id, name, owner_email, monthly_budget_usd, action_on_exceed)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		ws.ID, ws.Name, nullString(ws.OwnerEmail), ws.MonthlyBudgetUSD, string(ws.ActionOnExceed),
	).Scan(&ws.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: create workspace: %w", err)
	}
	return ws, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, workspaceID, keyHash string) (*store.APIKey, error) {
	if _, err := uuid.Parse(workspaceID); err != nil {
		return nil, store.ErrNotFound
	}
	return insertKey(ctx, s.db, workspaceID, keyHash)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertKey(ctx context.Context, q queryRower, workspaceID, keyHash string) (*store.APIKey, error) {
	k := &store.APIKey{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		KeyHash:     keyHash,
	}
	err := q.QueryRowContext(ctx,
		`INSERT INTO api_keys (id, workspace_id, key_hash) VALUES ($1, $2, $3) RETURNING created_at`,
		k.ID, k.WorkspaceID, k.KeyHash,
	).Scan(&k.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeForeignKeyViolation {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: create api key: %w", err)
	}
	return k, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, workspaceID, keyID string) error {
	if _, err := uuid.Parse(keyID); err != nil {
		return store.ErrNotFound
	}
	if _, err := uuid.Parse(workspaceID); err != nil {
		return store.ErrNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE id = $1 AND workspace_id = $2 AND revoked_at IS NULL`,
		keyID, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("postgres: revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: revoke api key: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RegisterSignup upserts the workspace owned by email and adds a key to it
// in one transaction.
func (s *Store) RegisterSignup(ctx context.Context, email, keyHash string) (*store.APIKey, error) {
	email = store.NormalizeEmail(email)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin signup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var wsID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO workspaces (id, name, owner_email, monthly_budget_usd, action_on_exceed)
		 VALUES ($1, $2, $2, $3, $4)
		 ON CONFLICT (owner_email) DO UPDATE SET owner_email = EXCLUDED.owner_email
		 RETURNING id`,
		uuid.NewString(), email, float64(store.DefaultMonthlyBudgetUSD), string(policy.ActionDowngrade),
	).Scan(&wsID)
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert signup workspace: %w", err)
	}

	key, err := insertKey(ctx, tx, wsID, keyHash)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit signup: %w", err)
	}
	return key, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
