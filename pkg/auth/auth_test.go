package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAuthenticator_Disabled(t *testing.T) {
	a, err := NewAuthenticator("", nil)
	require.NoError(t, err)
	assert.False(t, a.Enabled())
	assert.NoError(t, a.Validate(""))
}

func TestAuthenticator_PlainKey(t *testing.T) {
	a, err := NewAuthenticator("s3cret", nil)
	require.NoError(t, err)
	assert.NoError(t, a.Validate("s3cret"))
	assert.ErrorIs(t, a.Validate("nope"), ErrInvalidKey)
	assert.ErrorIs(t, a.Validate(""), ErrMissingKey)
}

func TestAuthenticator_HashedKeys(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("team-key"), bcrypt.MinCost)
	require.NoError(t, err)

	a, err := NewAuthenticator("", []string{string(hash), " "})
	require.NoError(t, err)
	assert.NoError(t, a.Validate("team-key"))
	assert.ErrorIs(t, a.Validate("other"), ErrInvalidKey)

	_, err = NewAuthenticator("", []string{"not-a-hash"})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a, err := NewAuthenticator("k", nil)
	require.NoError(t, err)
	h := a.Middleware("/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		path   string
		header string
		value  string
		want   int
	}{
		{"/health", "", "", http.StatusOK},
		{"/", "", "", http.StatusUnauthorized},
		{"/", "Authorization", "Bearer k", http.StatusOK},
		{"/", "Authorization", "Bearer wrong", http.StatusUnauthorized},
		{"/pool", "X-API-Key", "k", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set(tt.header, tt.value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, "%s %s=%s", tt.path, tt.header, tt.value)
	}
}

func TestGenerateAndHashKey(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, key, 43)

	hash, err := HashKey(key)
	require.NoError(t, err)
	a, err := NewAuthenticator("", []string{hash})
	require.NoError(t, err)
	assert.NoError(t, a.Validate(key))
}
