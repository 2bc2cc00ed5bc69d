package mw

import "net/http"

// APIVersion stamps every response with an X-API-Version header so callers
// and delivery targets can pin against the running build.
func APIVersion(v string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-API-Version", v)
			next.ServeHTTP(w, r)
		})
	}
}
