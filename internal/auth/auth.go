// Package auth guards the panel API with a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"
)

// HeaderName carries the shared secret on API requests.
const HeaderName = "X-Panel-Secret"

type Auth struct {
	secret []byte
}

// New returns an Auth for secret. An empty secret rejects every request.
func New(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// ValidKey reports whether key matches the shared secret.
func (a *Auth) ValidKey(key string) bool {
	if len(a.secret) == 0 || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), a.secret) == 1
}

// Middleware rejects requests without the shared secret header.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ValidKey(r.Header.Get(HeaderName)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
