package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/nulpointcorp/cost-gateway/internal/store"
)

type lookupFunc func(ctx context.Context, hash string) (string, error)

func (f lookupFunc) WorkspaceIDByKeyHash(ctx context.Context, hash string) (string, error) {
	return f(ctx, hash)
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey(KeyPrefix)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k2, _ := GenerateKey(KeyPrefix)

	if !strings.HasPrefix(k1, "ck_") {
		t.Fatalf("missing prefix: %q", k1)
	}
	body := strings.TrimPrefix(k1, "ck_")
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		t.Fatalf("key body is not base64url: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 random bytes, got %d", len(raw))
	}
	if k1 == k2 {
		t.Fatal("two generated keys should differ")
	}
}

func TestHashKey(t *testing.T) {
	sum := sha256.Sum256([]byte("pepper" + "ck_abc"))
	want := hex.EncodeToString(sum[:])

	if got := HashKey("pepper", "ck_abc"); got != want {
		t.Fatalf("HashKey = %s, want %s", got, want)
	}
	if HashKey("other", "ck_abc") == want {
		t.Fatal("pepper must change the hash")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer ck_123", "ck_123", true},
		{"bearer  ck_123 ", "ck_123", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := BearerToken(c.header)
		if got != c.want || ok != c.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", c.header, got, ok, c.want, c.ok)
		}
	}
}

func TestResolver_ResolveTenant(t *testing.T) {
	r := NewResolver(lookupFunc(func(_ context.Context, hash string) (string, error) {
		if hash == HashKey("pep", "ck_good") {
			return "ws-1", nil
		}
		return "", store.ErrNotFound
	}), "pep")

	ws, err := r.ResolveTenant(context.Background(), "ck_good")
	if err != nil || ws != "ws-1" {
		t.Fatalf("ResolveTenant = %q, %v", ws, err)
	}

	if _, err := r.ResolveTenant(context.Background(), "ck_bad"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := r.ResolveTenant(context.Background(), ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty key, got %v", err)
	}
}

func TestResolver_StoreFailureIsNotInvalidKey(t *testing.T) {
	boom := errors.New("connection refused")
	r := NewResolver(lookupFunc(func(context.Context, string) (string, error) {
		return "", boom
	}), "pep")

	_, err := r.ResolveTenant(context.Background(), "ck_x")
	if errors.Is(err, ErrInvalidKey) {
		t.Fatal("store failures must not look like bad credentials")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestResolver_Issue(t *testing.T) {
	r := NewResolver(nil, "pep")
	raw, hash, err := r.Issue()
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if hash != HashKey("pep", raw) {
		t.Fatal("hash does not match the issued key")
	}
}
