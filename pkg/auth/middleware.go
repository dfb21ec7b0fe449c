// Package auth guards the REST servers with static API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	bearerPrefix = "Bearer "
	healthPath   = "/health"
)

// Middleware requires "Authorization: Bearer <key>" matching one of keys.
// With no keys every request passes. The health endpoint is never guarded.
func Middleware(keys []string) func(http.Handler) http.Handler {
	hashes := make([][sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			hashes = append(hashes, sha256.Sum256([]byte(k)))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(hashes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthPath || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			key, ok := BearerToken(r)
			if !ok || !valid(hashes, key) {
				slog.Debug("unauthorized request", "path", r.URL.Path, "remote", r.RemoteAddr)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the bearer credential of r.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(bearerPrefix):]), true
}

// valid compares fixed size digests so the check time does not depend on
// the key length.
func valid(hashes [][sha256.Size]byte, key string) bool {
	h := sha256.Sum256([]byte(key))
	ok := 0
	for i := range hashes {
		ok |= subtle.ConstantTimeCompare(h[:], hashes[i][:])
	}
	return ok == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="cardscore"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":     "Missing or invalid API key",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
