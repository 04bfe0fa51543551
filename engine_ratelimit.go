package goIdP

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/MrEthical07/goIdP/internal/rate"
)

// RateTier selects one of the IP-keyed request budgets.
type RateTier = rate.Tier

const (
	// RateStrict guards credential submission: login, magic link and PIN.
	RateStrict = rate.TierStrict
	// RateGeneral guards ordinary API traffic.
	RateGeneral = rate.TierGeneral
	// RateValidation guards session and token validation.
	RateValidation = rate.TierValidation
)

// RateDecision is the outcome of [Engine.AllowRequest].
type RateDecision = rate.Decision

// AllowRequest counts one request from ip against tier. When the budget is
// spent it returns the decision (with RetryAfter) and [ErrRateLimited].
//
// With Security.RateLimitBypass set every request is allowed and nothing is
// counted.
func (e *Engine) AllowRequest(ctx context.Context, tier RateTier, ip string) (RateDecision, error) {
	if e.config.Security.RateLimitBypass {
		return RateDecision{Allowed: true}, nil
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	d, err := e.limiter.Allow(sctx, tier, ip)
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, rate.ErrRateLimited):
		e.metricInc(MetricRateLimitHit)
		e.logger.Debug().Str("tier", string(tier)).Str("ip", ip).Dur("retry_after", d.RetryAfter).Msg("rate limited")
		e.emitAudit(ctx, auditEntry{
			action:   auditRateLimited,
			resource: string(tier),
			meta:     SessionMetadata{IP: ip},
			err:      ErrRateLimited,
			metadata: func() map[string]string {
				return map[string]string{
					"tier":        string(tier),
					"retry_after": strconv.FormatInt(int64(d.RetryAfter.Seconds()), 10),
				}
			},
		})
		return d, ErrRateLimited
	case errors.Is(err, rate.ErrUnknownTier):
		return d, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return d, e.backendError("rate_limit", err)
	}
}

// ResetRateLimit clears the counter of ip in tier, for example after an
// operator unblocks a client.
func (e *Engine) ResetRateLimit(ctx context.Context, tier RateTier, ip string) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	if err := e.limiter.Reset(sctx, tier, ip); err != nil {
		return e.backendError("rate_limit_reset", err)
	}
	return nil
}
