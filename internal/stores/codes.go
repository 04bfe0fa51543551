package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/MrEthical07/goIdP/model"
	"github.com/redis/go-redis/v9"
)

// CodeStore persists authorization codes keyed by the SHA-256 of the code.
type CodeStore struct {
	records records[model.AuthorizationCode]
}

func NewCodeStore(redisClient redis.UniversalClient, prefix string) *CodeStore {
	return &CodeStore{records: records[model.AuthorizationCode]{redis: redisClient, prefix: prefix + ":oac"}}
}

// CodeID derives the storage id of a raw code. It doubles as the grant id
// shared by every token minted from that code.
func CodeID(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (s *CodeStore) Save(ctx context.Context, code *model.AuthorizationCode, now time.Time) error {
	return s.records.put(ctx, CodeID(code.Code), code, code.ExpiresAt, now)
}

// Get loads a code without changing its state.
func (s *CodeStore) Get(ctx context.Context, code string) (*model.AuthorizationCode, error) {
	rec, state, err := s.records.get(ctx, CodeID(code))
	if err != nil {
		return nil, err
	}
	rec.Code = code
	rec.UsedAt = state.UsedAt
	return rec, nil
}

// Consume atomically marks the code used. Only the first caller succeeds.
func (s *CodeStore) Consume(ctx context.Context, code string, now time.Time) (*model.AuthorizationCode, error) {
	rec, err := s.records.consume(ctx, CodeID(code), now)
	if err != nil {
		return nil, err
	}
	rec.Code = code
	rec.UsedAt = now
	return rec, nil
}
