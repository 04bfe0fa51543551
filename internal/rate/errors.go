package rate

import "errors"

var (
	// ErrRateLimited is returned by [Limiter.Allow] when the tier budget is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrUnknownTier is returned for a tier without a configured policy.
	ErrUnknownTier = errors.New("unknown rate limit tier")
)
