package mw

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/revbackhq/revback/internal/ratelimit"
)

// Limit enforces the (tier, key) token bucket on each request. Every
// response carries X-RateLimit-Remaining; denials get a 429 with Retry-After
// rounded up to whole seconds.
func Limit(l *ratelimit.Limiter, tier ratelimit.Tier, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining, retryAfter := l.Allow(tier, key(r))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(retryAfter)))
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyByIP keys buckets on the client address. RealIP middleware runs first,
// so RemoteAddr already reflects X-Forwarded-For when present.
func KeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RetryAfterSeconds converts a wait into the Retry-After header value,
// rounding up and never reporting less than one second.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
