package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	goIdP "github.com/MrEthical07/goIdP"
)

type rateLimitedBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// RateLimit charges every request to the client IP's budget in tier.
//
// A spent budget answers 429 with {"error":"rate_limited","retryAfter":N}
// and a Retry-After header of N seconds. When the limiter backend is down
// the request is refused with 503 rather than let through.
func RateLimit(engine *goIdP.Engine, tier goIdP.RateTier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				writeError(w, http.StatusServiceUnavailable, "server_error", "")
				return
			}

			decision, err := engine.AllowRequest(r.Context(), tier, Metadata(r).IP)
			switch {
			case err == nil:
			case errors.Is(err, goIdP.ErrRateLimited):
				seconds := int64(math.Ceil(decision.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
				writeJSON(w, http.StatusTooManyRequests, rateLimitedBody{
					Error:      goIdP.CodeOf(goIdP.ErrRateLimited),
					RetryAfter: seconds,
				})
				return
			default:
				writeError(w, http.StatusServiceUnavailable, "server_error", "")
				return
			}

			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}
