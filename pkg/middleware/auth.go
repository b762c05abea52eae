package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/texnomagic/texnomagic/pkg/logger"
)

// APIKey rejects requests selected by protect unless they carry one of keys,
// given as "Authorization: Bearer <key>", an X-API-Key header or the api_key
// query parameter. Health endpoints are never protected.
func APIKey(keys []string, protect func(*http.Request) bool) func(http.Handler) http.Handler {
	hashes := make([][sha256.Size]byte, len(keys))
	for i, k := range keys {
		hashes[i] = sha256.Sum256([]byte(k))
	}
	valid := func(key string) bool {
		h := sha256.Sum256([]byte(key))
		ok := 0
		for _, want := range hashes {
			ok |= subtle.ConstantTimeCompare(h[:], want[:])
		}
		return ok == 1
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || !protect(r) {
				next.ServeHTTP(w, r)
				return
			}
			key := extractAPIKey(r)
			if key == "" {
				writeAuthError(w, "missing api key")
				return
			}
			if !valid(key) {
				logger.FromContext(r.Context()).Warn("invalid api key", "path", r.URL.Path)
				writeAuthError(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MutatingRequests protects every non-GET request except recognition, which
// only reads models.
func MutatingRequests(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return !strings.HasSuffix(r.URL.Path, "/recognize") && !strings.HasSuffix(r.URL.Path, "/scores")
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
