package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates the operator API behind a single static key, accepted either as
// a Bearer token or in X-API-Key. An empty configured key disables the check,
// which is the monitor-mode default on a private network.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			presented := bearerOrHeaderKey(r)
			if presented == "" {
				deny(w, "missing credentials")
				return
			}
			// subtle keeps the comparison constant time.
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				deny(w, "invalid credentials")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerOrHeaderKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, found := strings.Cut(auth, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
