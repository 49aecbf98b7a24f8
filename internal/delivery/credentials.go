package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultCredentialKeyPattern matches session entries written by the
// auth collaborator into cachedData.
const DefaultCredentialKeyPattern = `^sb-[a-z0-9]+-auth-token$`

// CredentialSource returns a bearer token, or "" when none is available.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// KeyValueCredentials reads the bearer token from the local cache.
type KeyValueCredentials struct {
	store   queue.Store
	pattern *regexp.Regexp
	now     func() time.Time
}

// NewKeyValueCredentials creates a credential source that scans the
// cachedData collection for keys matching pattern.
func NewKeyValueCredentials(store queue.Store, pattern string) (*KeyValueCredentials, error) {
	if pattern == "" {
		pattern = DefaultCredentialKeyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile credential key pattern: %w", err)
	}
	return &KeyValueCredentials{store: store, pattern: re, now: time.Now}, nil
}

type sessionValue struct {
	AccessToken string `json:"access_token"`
}

// Token returns the newest unexpired token found under a matching key.
func (k *KeyValueCredentials) Token(ctx context.Context) (string, error) {
	recs, err := k.store.GetAllItems(ctx, queue.CollectionCache)
	if err != nil {
		return "", fmt.Errorf("read cached credentials: %w", err)
	}

	for i := len(recs) - 1; i >= 0; i-- {
		if !k.pattern.MatchString(recs[i].Key) {
			continue
		}
		token := extractToken(recs[i].Payload)
		if token == "" || k.expired(token) {
			continue
		}
		return token, nil
	}
	return "", nil
}

func extractToken(value []byte) string {
	var session sessionValue
	if err := json.Unmarshal(value, &session); err == nil {
		return session.AccessToken
	}
	// A JSON string or a raw token.
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(value))
}

// expired reports whether token is a JWT whose exp is in the past.
// Opaque tokens never expire here; the remote service decides.
func (k *KeyValueCredentials) expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(k.now())
}
