// Package auth issues API keys and resolves them to workspaces.
//
// Raw keys are shown to the caller once. Only sha256(pepper + key) is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/cost-gateway/internal/store"
)

// KeyPrefix marks keys issued by the gateway.
const KeyPrefix = "ck_"

const keyBytes = 32

// ErrInvalidKey is returned for a missing, unknown or revoked key.
var ErrInvalidKey = errors.New("auth: invalid API key")

// GenerateKey returns prefix followed by 32 random bytes, base64url encoded
// without padding.
func GenerateKey(prefix string) (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the hex SHA-256 of pepper followed by raw.
func HashKey(pepper, raw string) string {
	sum := sha256.Sum256([]byte(pepper + raw))
	return hex.EncodeToString(sum[:])
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	const scheme = "Bearer "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(scheme):])
	return tok, tok != ""
}

// KeyLookup resolves a stored key hash to its workspace.
type KeyLookup interface {
	WorkspaceIDByKeyHash(ctx context.Context, keyHash string) (string, error)
}

// Resolver maps raw API keys to workspace IDs.
type Resolver struct {
	keys   KeyLookup
	pepper string
}

func NewResolver(keys KeyLookup, pepper string) *Resolver {
	return &Resolver{keys: keys, pepper: pepper}
}

// ResolveTenant returns the workspace owning rawKey, or ErrInvalidKey.
func (r *Resolver) ResolveTenant(ctx context.Context, rawKey string) (string, error) {
	if rawKey == "" {
		return "", ErrInvalidKey
	}
	ws, err := r.keys.WorkspaceIDByKeyHash(ctx, HashKey(r.pepper, rawKey))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("auth: resolve key: %w", err)
	}
	return ws, nil
}

// Hash hashes raw with the resolver's pepper.
func (r *Resolver) Hash(raw string) string { return HashKey(r.pepper, raw) }

// Issue generates a key and returns it together with its hash.
func (r *Resolver) Issue() (raw, hash string, err error) {
	raw, err = GenerateKey(KeyPrefix)
	if err != nil {
		return "", "", err
	}
	return raw, r.Hash(raw), nil
}
