package stores

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/goIdP/model"
	"github.com/redis/go-redis/v9"
)

// TokenStore persists access and refresh token records by jti, with two
// secondary indexes: one per grant and one per (user, client) pair. Index
// sets carry no TTL; PruneIndexes drops members whose record has expired.
type TokenStore struct {
	redis   redis.UniversalClient
	prefix  string
	access  records[model.Token]
	refresh records[model.Token]
}

func NewTokenStore(redisClient redis.UniversalClient, prefix string) *TokenStore {
	return &TokenStore{
		redis:   redisClient,
		prefix:  prefix,
		access:  records[model.Token]{redis: redisClient, prefix: prefix + ":tok:a"},
		refresh: records[model.Token]{redis: redisClient, prefix: prefix + ":tok:r"},
	}
}

func (s *TokenStore) recordsFor(kind model.TokenKind) records[model.Token] {
	if kind == model.TokenRefresh {
		return s.refresh
	}
	return s.access
}

func (s *TokenStore) grantKey(grantID string) string {
	return s.prefix + ":tok:g:" + grantID
}

func (s *TokenStore) userClientKey(userID, clientID string) string {
	return s.prefix + ":tok:uc:" + userID + ":" + clientID
}

func indexMember(kind model.TokenKind, jti string) string {
	return string(kind) + ":" + jti
}

func parseIndexMember(member string) (model.TokenKind, string, bool) {
	kind, jti, ok := strings.Cut(member, ":")
	if !ok || jti == "" {
		return "", "", false
	}
	switch model.TokenKind(kind) {
	case model.TokenAccess, model.TokenRefresh:
		return model.TokenKind(kind), jti, true
	}
	return "", "", false
}

// Save writes the record and registers it in both indexes.
func (s *TokenStore) Save(ctx context.Context, tok *model.Token, now time.Time) error {
	if err := s.recordsFor(tok.Kind).put(ctx, tok.JTI, tok, tok.ExpiresAt, now); err != nil {
		return err
	}
	member := indexMember(tok.Kind, tok.JTI)
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if tok.GrantID != "" {
			pipe.SAdd(ctx, s.grantKey(tok.GrantID), member)
		}
		pipe.SAdd(ctx, s.userClientKey(tok.UserID, tok.ClientID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *TokenStore) Get(ctx context.Context, kind model.TokenKind, jti string) (*model.Token, error) {
	tok, state, err := s.recordsFor(kind).get(ctx, jti)
	if err != nil {
		return nil, err
	}
	tok.RevokedAt = state.RevokedAt
	tok.UsedAt = state.UsedAt
	return tok, nil
}

// ConsumeRefresh retires a refresh token during rotation. Only one concurrent
// rotation of the same token succeeds.
func (s *TokenStore) ConsumeRefresh(ctx context.Context, jti string, now time.Time) (*model.Token, error) {
	tok, err := s.refresh.consume(ctx, jti, now)
	if err != nil {
		return nil, err
	}
	tok.UsedAt = now
	return tok, nil
}

// Revoke marks one token revoked. Revoking twice is not an error.
func (s *TokenStore) Revoke(ctx context.Context, kind model.TokenKind, jti string, now time.Time) (bool, error) {
	return s.recordsFor(kind).revoke(ctx, jti, now)
}

// RevokeGrant revokes every token minted under grantID.
func (s *TokenStore) RevokeGrant(ctx context.Context, grantID string, now time.Time) (int, error) {
	return s.revokeIndex(ctx, s.grantKey(grantID), now)
}

// RevokeUserClient revokes every token a client holds for a user.
func (s *TokenStore) RevokeUserClient(ctx context.Context, userID, clientID string, now time.Time) (int, error) {
	return s.revokeIndex(ctx, s.userClientKey(userID, clientID), now)
}

func (s *TokenStore) revokeIndex(ctx context.Context, indexKey string, now time.Time) (int, error) {
	members, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil && !isNil(err) {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	revoked := 0
	for _, member := range members {
		kind, jti, ok := parseIndexMember(member)
		if !ok {
			continue
		}
		existed, err := s.Revoke(ctx, kind, jti, now)
		if err != nil {
			return revoked, err
		}
		if existed {
			revoked++
		}
	}
	return revoked, nil
}

// PruneIndexes removes index members whose token record no longer exists and
// deletes emptied index sets. It returns the number of members removed.
func (s *TokenStore) PruneIndexes(ctx context.Context, batch int64) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	removed := 0
	for _, pattern := range []string{s.prefix + ":tok:g:*", s.prefix + ":tok:uc:*"} {
		var cursor uint64
		for {
			keys, next, err := s.redis.Scan(ctx, cursor, pattern, batch).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			for _, indexKey := range keys {
				n, err := s.pruneIndex(ctx, indexKey)
				if err != nil {
					return removed, err
				}
				removed += n
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return removed, nil
}

func (s *TokenStore) pruneIndex(ctx context.Context, indexKey string) (int, error) {
	members, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	stale := make([]interface{}, 0)
	for _, member := range members {
		kind, jti, ok := parseIndexMember(member)
		if !ok {
			stale = append(stale, member)
			continue
		}
		n, err := s.redis.Exists(ctx, s.recordsFor(kind).key(jti)).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if n == 0 {
			stale = append(stale, member)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.redis.SRem(ctx, indexKey, stale...).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return len(stale), nil
}
