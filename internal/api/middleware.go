package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware returns middleware that requires "Authorization: Bearer <token>".
// An empty token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			const prefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, prefix) {
				Unauthorized(w)
				return
			}
			if subtle.ConstantTimeCompare([]byte(authHeader[len(prefix):]), []byte(token)) != 1 {
				Unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
