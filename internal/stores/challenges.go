package stores

import (
	"context"
	"time"

	"github.com/MrEthical07/goIdP/model"
	"github.com/redis/go-redis/v9"
)

// MagicLinkStore tracks redemption state of issued magic-link jtis.
type MagicLinkStore struct {
	records records[model.MagicLink]
}

func NewMagicLinkStore(redisClient redis.UniversalClient, prefix string) *MagicLinkStore {
	return &MagicLinkStore{records: records[model.MagicLink]{redis: redisClient, prefix: prefix + ":mlk"}}
}

func (s *MagicLinkStore) Save(ctx context.Context, link *model.MagicLink, now time.Time) error {
	return s.records.put(ctx, link.JTI, link, link.ExpiresAt, now)
}

// Redeem transitions used_at from empty to now. Unknown, expired and already
// redeemed jtis all fail.
func (s *MagicLinkStore) Redeem(ctx context.Context, jti string, now time.Time) (*model.MagicLink, error) {
	link, err := s.records.consume(ctx, jti, now)
	if err != nil {
		return nil, err
	}
	link.UsedAt = now
	return link, nil
}

// PINStore holds step-up PIN challenges.
type PINStore struct {
	records records[model.PINChallenge]
}

func NewPINStore(redisClient redis.UniversalClient, prefix string) *PINStore {
	return &PINStore{records: records[model.PINChallenge]{redis: redisClient, prefix: prefix + ":pin"}}
}

func (s *PINStore) Save(ctx context.Context, ch *model.PINChallenge, now time.Time) error {
	return s.records.put(ctx, ch.ID, ch, ch.ExpiresAt, now)
}

func (s *PINStore) Get(ctx context.Context, id string) (*model.PINChallenge, error) {
	ch, state, err := s.records.get(ctx, id)
	if err != nil {
		return nil, err
	}
	ch.Attempts = state.Attempts
	ch.UsedAt = state.UsedAt
	if !state.ExpiresAt.IsZero() {
		ch.ExpiresAt = state.ExpiresAt
	}
	return ch, nil
}

// RecordFailure counts a wrong PIN. The challenge is deleted when the limit
// is reached and ErrAttemptsExceeded is returned.
func (s *PINStore) RecordFailure(ctx context.Context, id string, maxAttempts int) (int, error) {
	return s.records.recordFailure(ctx, id, maxAttempts)
}

// Consume marks the challenge used. Exactly one caller wins.
func (s *PINStore) Consume(ctx context.Context, id string, now time.Time) (*model.PINChallenge, error) {
	ch, err := s.records.consume(ctx, id, now)
	if err != nil {
		return nil, err
	}
	ch.UsedAt = now
	return ch, nil
}

// ResetStore holds password reset grants.
type ResetStore struct {
	records records[model.PasswordReset]
}

func NewResetStore(redisClient redis.UniversalClient, prefix string) *ResetStore {
	return &ResetStore{records: records[model.PasswordReset]{redis: redisClient, prefix: prefix + ":rst"}}
}

func (s *ResetStore) Save(ctx context.Context, reset *model.PasswordReset, now time.Time) error {
	return s.records.put(ctx, reset.ID, reset, reset.ExpiresAt, now)
}

func (s *ResetStore) Get(ctx context.Context, id string) (*model.PasswordReset, error) {
	reset, state, err := s.records.get(ctx, id)
	if err != nil {
		return nil, err
	}
	reset.UsedAt = state.UsedAt
	return reset, nil
}

func (s *ResetStore) RecordFailure(ctx context.Context, id string, maxAttempts int) (int, error) {
	return s.records.recordFailure(ctx, id, maxAttempts)
}

func (s *ResetStore) Consume(ctx context.Context, id string, now time.Time) (*model.PasswordReset, error) {
	reset, err := s.records.consume(ctx, id, now)
	if err != nil {
		return nil, err
	}
	reset.UsedAt = now
	return reset, nil
}
