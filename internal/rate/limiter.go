package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier names a request budget.
type Tier string

const (
	// TierStrict guards credential submission: login, magic link, PIN.
	TierStrict Tier = "strict"
	// TierGeneral guards the rest of the API.
	TierGeneral Tier = "general"
	// TierValidation guards token and session validation endpoints.
	TierValidation Tier = "validation"
)

// Policy is a fixed-window budget: Limit requests per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Config holds rate limiter tuning parameters.
type Config struct {
	Prefix   string
	Policies map[Tier]Policy
}

// Decision describes the outcome of one [Limiter.Allow] call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces tiered fixed-window limits using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	policies := make(map[Tier]Policy, len(cfg.Policies))
	for tier, p := range cfg.Policies {
		policies[tier] = p
	}
	cfg.Policies = policies
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Policy returns the configured policy for tier.
func (l *Limiter) Policy(tier Tier) (Policy, bool) {
	p, ok := l.config.Policies[tier]
	return p, ok
}

// Allow counts one request for subject in tier. When the budget is spent it
// returns a Decision with RetryAfter set and [ErrRateLimited].
//
//	Performance: 1 INCR, +1 PEXPIRE on the first hit, +1 PTTL when limited.
func (l *Limiter) Allow(ctx context.Context, tier Tier, subject string) (Decision, error) {
	policy, ok := l.config.Policies[tier]
	if !ok || policy.Limit <= 0 || policy.Window <= 0 {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	key := l.key(tier, subject)
	count, err := l.incrementWithTTL(ctx, key, policy.Window)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed: count <= int64(policy.Limit),
		Limit:   policy.Limit,
	}
	if d.Allowed {
		d.Remaining = policy.Limit - int(count)
		return d, nil
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl <= 0 {
		// Key lost its TTL (first-hit EXPIRE failed); restart the window.
		if err := l.redis.PExpire(ctx, key, policy.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		ttl = policy.Window
	}
	d.RetryAfter = ttl
	return d, ErrRateLimited
}

// Reset clears the counter for subject in tier.
func (l *Limiter) Reset(ctx context.Context, tier Tier, subject string) error {
	if err := l.redis.Del(ctx, l.key(tier, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Count returns the current counter for subject in tier. Missing keys
// return zero.
func (l *Limiter) Count(ctx context.Context, tier Tier, subject string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(tier, subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) key(tier Tier, subject string) string {
	return l.config.Prefix + ":rl:" + string(tier) + ":" + subject
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.PExpire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
