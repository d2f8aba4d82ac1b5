// Package memory is an in-process store.Store for development and tests.
// Nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/cost-gateway/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	workspaces map[string]*store.Workspace
	keys       map[string]*store.APIKey // by hash
	now        func() time.Time
}

func New() *Store {
	return &Store{
		workspaces: make(map[string]*store.Workspace),
		keys:       make(map[string]*store.APIKey),
		now:        time.Now,
	}
}

func (s *Store) WorkspaceIDByKeyHash(_ context.Context, keyHash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[keyHash]
	if !ok || k.RevokedAt != nil {
		return "", store.ErrNotFound
	}
	return k.WorkspaceID, nil
}

func (s *Store) Workspace(_ context.Context, id string) (*store.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workspaces[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *Store) CreateWorkspace(_ context.Context, in store.NewWorkspace) (*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(in), nil
}

func (s *Store) createLocked(in store.NewWorkspace) *store.Workspace {
	in = in.ApplyDefaults()
	ws := &store.Workspace{
		ID:               uuid.NewString(),
		Name:             in.Name,
		OwnerEmail:       in.OwnerEmail,
		MonthlyBudgetUSD: in.MonthlyBudgetUSD,
		ActionOnExceed:   in.ActionOnExceed,
		CreatedAt:        s.now().UTC(),
	}
	s.workspaces[ws.ID] = ws
	cp := *ws
	return &cp
}

func (s *Store) CreateAPIKey(_ context.Context, workspaceID, keyHash string) (*store.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[workspaceID]; !ok {
		return nil, store.ErrNotFound
	}
	return s.addKeyLocked(workspaceID, keyHash), nil
}

func (s *Store) addKeyLocked(workspaceID, keyHash string) *store.APIKey {
	k := &store.APIKey{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		KeyHash:     keyHash,
		CreatedAt:   s.now().UTC(),
	}
	s.keys[keyHash] = k
	cp := *k
	return &cp
}

func (s *Store) RevokeAPIKey(_ context.Context, workspaceID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.ID == keyID && k.WorkspaceID == workspaceID && k.RevokedAt == nil {
			now := s.now().UTC()
			k.RevokedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) RegisterSignup(_ context.Context, email, keyHash string) (*store.APIKey, error) {
	email = store.NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	var ws *store.Workspace
	for _, w := range s.workspaces {
		if w.OwnerEmail == email {
			ws = w
			break
		}
	}
	if ws == nil {
		ws = s.createLocked(store.NewWorkspace{
			OwnerEmail:       email,
			MonthlyBudgetUSD: store.DefaultMonthlyBudgetUSD,
		})
	}
	return s.addKeyLocked(ws.ID, keyHash), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
