package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/bissquit/fieldsync/internal/queue/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "worker-1",
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestKeyValueCredentials_Token(t *testing.T) {
	ctx := context.Background()
	valid := signedToken(t, time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"session json", "sb-abc123-auth-token", `{"access_token":"` + valid + `","refresh_token":"r"}`, valid},
		{"raw opaque token", "sb-abc123-auth-token", "opaque-token", "opaque-token"},
		{"json string", "sb-abc123-auth-token", `"quoted-token"`, "quoted-token"},
		{"non matching key", "profile", `{"access_token":"x"}`, ""},
		{"expired jwt", "sb-abc123-auth-token", `{"access_token":"` + signedToken(t, time.Now().Add(-time.Hour)) + `"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			require.NoError(t, queue.PutCached(ctx, store, tt.key, []byte(tt.value)))

			creds, err := NewKeyValueCredentials(store, "")
			require.NoError(t, err)

			got, err := creds.Token(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyValueCredentials_EmptyCache(t *testing.T) {
	creds, err := NewKeyValueCredentials(memory.New(), "")
	require.NoError(t, err)

	got, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKeyValueCredentials_StoreError(t *testing.T) {
	store := memory.New()
	_ = store.Close()

	creds, err := NewKeyValueCredentials(store, "")
	require.NoError(t, err)

	_, err = creds.Token(context.Background())
	assert.ErrorIs(t, err, queue.ErrUnavailable)
}

func TestNewKeyValueCredentials_BadPattern(t *testing.T) {
	_, err := NewKeyValueCredentials(memory.New(), "([")
	assert.Error(t, err)
}
