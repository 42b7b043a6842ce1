package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// Authenticator checks bearer API keys against a plaintext key and/or a
// set of bcrypt hashes. With neither configured, every request passes.
type Authenticator struct {
	key    string
	hashes [][]byte
}

// NewAuthenticator builds an authenticator. hashes are bcrypt digests as
// produced by HashKey.
func NewAuthenticator(key string, hashes []string) (*Authenticator, error) {
	a := &Authenticator{key: key}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
		}
		a.hashes = append(a.hashes, []byte(h))
	}
	return a, nil
}

// Enabled reports whether any key is configured
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.key != "" || len(a.hashes) > 0)
}

// Validate checks one presented key
func (a *Authenticator) Validate(presented string) error {
	if !a.Enabled() {
		return nil
	}
	if presented == "" {
		return ErrMissingKey
	}
	if a.key != "" && SecureCompare(a.key, presented) {
		return nil
	}
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(presented)) == nil {
			return nil
		}
	}
	return ErrInvalidKey
}

// FromRequest extracts the key from "Authorization: Bearer <key>" or X-API-Key
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-API-Key")
}

// Middleware rejects unauthenticated requests, except for exempt paths
func (a *Authenticator) Middleware(exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.Validate(FromRequest(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="recogpool"`)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GenerateAPIKey returns a random URL-safe key
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashKey returns the bcrypt digest to put in server.api_key_hashes
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
