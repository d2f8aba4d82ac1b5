// Package store defines the tenant data the gateway reads and writes:
// workspaces, their API keys and self-service signups.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nulpointcorp/cost-gateway/internal/policy"
)

// DefaultMonthlyBudgetUSD is the budget of workspaces created without one.
const DefaultMonthlyBudgetUSD = 200

// ErrNotFound is returned when a workspace or key does not exist.
var ErrNotFound = errors.New("store: not found")

// Workspace is the unit of billing. ActionOnExceed overrides the policy's
// budget action for this workspace.
type Workspace struct {
	ID               string
	Name             string
	OwnerEmail       string
	MonthlyBudgetUSD float64
	ActionOnExceed   policy.Action
	CreatedAt        time.Time
}

// NewWorkspace is the input of CreateWorkspace.
type NewWorkspace struct {
	Name             string
	OwnerEmail       string
	MonthlyBudgetUSD float64
	ActionOnExceed   policy.Action
}

// APIKey is a stored key. Only the peppered hash of the raw key is kept.
type APIKey struct {
	ID          string
	WorkspaceID string
	KeyHash     string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Store is implemented by the Postgres store and the in-memory store.
type Store interface {
	// WorkspaceIDByKeyHash resolves a non-revoked key hash.
	WorkspaceIDByKeyHash(ctx context.Context, keyHash string) (string, error)
	Workspace(ctx context.Context, id string) (*Workspace, error)
	CreateWorkspace(ctx context.Context, in NewWorkspace) (*Workspace, error)
	CreateAPIKey(ctx context.Context, workspaceID, keyHash string) (*APIKey, error)
	RevokeAPIKey(ctx context.Context, workspaceID, keyID string) error
	// RegisterSignup finds or creates the workspace owned by email and
	// attaches a new key to it.
	RegisterSignup(ctx context.Context, email, keyHash string) (*APIKey, error)
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ApplyDefaults fills the action and name when unset. A zero budget is kept
// and means no ceiling.
func (in NewWorkspace) ApplyDefaults() NewWorkspace {
	if in.ActionOnExceed == "" {
		in.ActionOnExceed = policy.ActionDowngrade
	}
	if in.Name == "" && in.OwnerEmail != "" {
		in.Name = in.OwnerEmail
	}
	return in
}
