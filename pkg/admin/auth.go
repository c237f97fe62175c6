package admin

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"golang.org/x/crypto/pbkdf2"
)

const (
	apiKeyIterations = 4096
	apiKeyLength     = 32
)

// APIKeyAuth hashes an operator API key with pbkdf2, the same way
// laura-db's pkg/auth derives a SCRAM stored key from a password, and
// verifies presented keys in constant time.
type APIKeyAuth struct {
	salt   []byte
	digest []byte
}

// NewAPIKeyAuth derives an APIKeyAuth from a plaintext operator key. A
// fresh random salt is generated per process; the digest never needs to
// be persisted across restarts since the key itself is supplied
// out-of-band each time (a config value or environment variable).
func NewAPIKeyAuth(apiKey string) (*APIKeyAuth, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	digest := pbkdf2.Key([]byte(apiKey), salt, apiKeyIterations, apiKeyLength, sha256.New)
	return &APIKeyAuth{salt: salt, digest: digest}, nil
}

// Verify reports whether candidate matches the configured API key.
func (a *APIKeyAuth) Verify(candidate string) bool {
	got := pbkdf2.Key([]byte(candidate), a.salt, apiKeyIterations, apiKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(got, a.digest) == 1
}

// Middleware rejects any request missing a valid X-FXM-Api-Key header.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-FXM-Api-Key")
		if key == "" || !a.Verify(key) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fingerprint returns a short, non-reversible hint of the configured
// key for log lines, never the key or digest itself.
func (a *APIKeyAuth) fingerprint() string {
	sum := sha256.Sum256(a.digest)
	return hex.EncodeToString(sum[:4])
}
