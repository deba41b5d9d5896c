package middleware

import (
	"net"
	"net/http"
	"time"

	"github.com/quickgig/auth-service/internal/apperr"
	"github.com/quickgig/auth-service/internal/defense"
)

// IPRateLimit limits requests per client IP with a sliding window. This sits
// in front of the per-phone SMS limiter: it caps what one address can do
// across all phones.
func IPRateLimit(window time.Duration, maxReqs int) func(http.Handler) http.Handler {
	limiter := defense.NewMemoryLimiter(window, maxReqs)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Increment(r.Context(), ClientIP(r))
			if err == nil && !decision.Allowed {
				respondWithError(w, apperr.RateLimited(decision.RetryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address, honoring chi's RealIP rewrite of
// RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
