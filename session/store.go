package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps every backend failure returned by [Store].
var ErrRedisUnavailable = errors.New("redis unavailable")

// retention keeps a revoked or expired session readable briefly after its
// expiry so the engine can tell revoked from expired in its logs.
const retention = time.Minute

const (
	fieldUserID      = "user_id"
	fieldExpiresAt   = "expires_at"
	fieldRevokedAt   = "revoked_at"
	fieldFingerprint = "fingerprint"
	fieldCreatedAt   = "created_at"
)

// extendScript moves expires_at forward only, and never on a revoked
// session, so concurrent validations and a concurrent revoke are safe in any
// interleaving.
const extendScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 0
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if exp < tonumber(ARGV[1]) then
  redis.call("HSET", KEYS[1], "expires_at", ARGV[1])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`

var extendLua = redis.NewScript(extendScript)

const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return 1
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
return 2
`

var revokeLua = redis.NewScript(revokeScript)

// Store persists sessions in Redis hashes keyed by token hash, with a
// per-user set of token hashes for revoke-all and listing.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(tokenHash string) string {
	return s.prefix + ":ses:" + tokenHash
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":ses:u:" + userID
}

// Save persists a new session and indexes it under its user.
//
//	Performance: 1 MULTI (HSET + PEXPIRE + SADD).
func (s *Store) Save(ctx context.Context, sess *Session, now time.Time) error {
	ttl := sess.ExpiresAt.Sub(now) + retention
	key := s.key(sess.TokenHash)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldUserID, sess.UserID,
			fieldExpiresAt, sess.ExpiresAt.UnixMilli(),
			fieldFingerprint, sess.DeviceFingerprint,
			fieldCreatedAt, sess.CreatedAt.UnixMilli(),
		)
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.TokenHash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get reads a session without sliding it.
func (s *Store) Get(ctx context.Context, tokenHash string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if fields[fieldUserID] == "" {
		return nil, redis.Nil
	}
	return decode(tokenHash, fields), nil
}

// Touch validates a session and applies sliding expiration. The new expiry
// is now+window, capped at CreatedAt+absolute when absolute is positive.
// The returned status says why a session is not valid; the session is
// returned only for StatusValid, StatusRevoked and StatusExpired.
//
//	Performance: 1 HGETALL, plus 1 EVALSHA when the expiry moves.
func (s *Store) Touch(ctx context.Context, tokenHash string, now time.Time, window, absolute time.Duration) (*Session, Status, error) {
	sess, err := s.Get(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, StatusNotFound, nil
		}
		return nil, StatusNotFound, err
	}
	if !sess.RevokedAt.IsZero() {
		return sess, StatusRevoked, nil
	}
	if !now.Before(sess.ExpiresAt) {
		return sess, StatusExpired, nil
	}

	next := now.Add(window)
	if absolute > 0 {
		if limit := sess.CreatedAt.Add(absolute); limit.Before(next) {
			next = limit
		}
	}
	if !next.After(sess.ExpiresAt) {
		return sess, StatusValid, nil
	}

	ttl := next.Sub(now) + retention
	ok, err := extendLua.Run(ctx, s.redis, []string{s.key(tokenHash)},
		strconv.FormatInt(next.UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return nil, StatusNotFound, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ok == 0 {
		// Revoked or deleted between the read and the extend.
		return sess, StatusRevoked, nil
	}
	sess.ExpiresAt = time.UnixMilli(next.UnixMilli()).UTC()
	return sess, StatusValid, nil
}

// Revoke stamps revoked_at on one session. Revoking an already revoked or
// unknown session is not an error; the bool reports whether it existed.
func (s *Store) Revoke(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	status, err := revokeLua.Run(ctx, s.redis, []string{s.key(tokenHash)}, strconv.FormatInt(now.UnixMilli(), 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return status != 0, nil
}

// RevokeAllForUser revokes every indexed session of a user and returns how
// many were newly or already revoked.
//
// A session saved while this runs may be missed; callers that disable an
// account also check account status on validation.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	hashes, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	count := 0
	for _, h := range hashes {
		existed, err := s.Revoke(ctx, h, now)
		if err != nil {
			return count, err
		}
		if existed {
			count++
		}
	}
	return count, nil
}

// ListForUser returns the user's sessions that are still stored, including
// revoked ones awaiting expiry.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	hashes, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(hashes))
	for i, h := range hashes {
		cmds[i] = pipe.HGetAll(ctx, s.key(h))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]*Session, 0, len(hashes))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if fields[fieldUserID] == "" {
			continue
		}
		out = append(out, decode(hashes[i], fields))
	}
	return out, nil
}

// PruneUserIndexes removes index entries whose session key has expired and
// returns the number of entries removed.
func (s *Store) PruneUserIndexes(ctx context.Context, batch int64) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.prefix+":ses:u:*", batch).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		for _, userKey := range keys {
			hashes, err := s.redis.SMembers(ctx, userKey).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
			stale := make([]interface{}, 0)
			for _, h := range hashes {
				n, err := s.redis.Exists(ctx, s.key(h)).Result()
				if err != nil {
					return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
				if n == 0 {
					stale = append(stale, h)
				}
			}
			if len(stale) > 0 {
				if err := s.redis.SRem(ctx, userKey, stale...).Err(); err != nil {
					return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
				}
				removed += len(stale)
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func decode(tokenHash string, fields map[string]string) *Session {
	return &Session{
		TokenHash:         tokenHash,
		UserID:            fields[fieldUserID],
		DeviceFingerprint: fields[fieldFingerprint],
		CreatedAt:         millis(fields[fieldCreatedAt]),
		ExpiresAt:         millis(fields[fieldExpiresAt]),
		RevokedAt:         millis(fields[fieldRevokedAt]),
	}
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
