// Package mw contains HTTP middleware for the RevBack API.
package mw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/revbackhq/revback/internal/crypto"
)

// OpsAuth guards the operational API with a static bearer key. Presented
// keys are compared as salted digests in constant time. An empty key
// disables the guard entirely; main logs that condition at boot.
func OpsAuth(salt, key string) func(http.Handler) http.Handler {
	if key == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte(crypto.OpsKeyDigest(salt, key))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			got := []byte(crypto.OpsKeyDigest(salt, token))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
