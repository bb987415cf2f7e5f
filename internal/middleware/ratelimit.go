package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

func limitBy(requestLimit int, windowLength time.Duration, keyFn httprate.KeyFunc) func(http.Handler) http.Handler {
	retryAfter := int(windowLength.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(keyFn),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + strconv.Itoa(retryAfter) + `}`))
		}),
	)
}

// RateLimit limits by tenant when the request is authenticated, by
// client IP otherwise. A streaming invocation counts once at open; the
// events it produces are not metered.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return limitBy(requestLimit, windowLength, func(r *http.Request) (string, error) {
		if tenantID := GetTenantID(r.Context()); tenantID != "" {
			return "tenant:" + tenantID, nil
		}
		return "ip:" + r.RemoteAddr, nil
	})
}

// UserRateLimit limits by authenticated user, so one noisy user cannot
// exhaust their tenant's whole allowance. It must run after Auth.
func UserRateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return limitBy(requestLimit, windowLength, func(r *http.Request) (string, error) {
		if userID := GetUserID(r.Context()); userID != "" {
			return "user:" + userID, nil
		}
		return "ip:" + r.RemoteAddr, nil
	})
}
