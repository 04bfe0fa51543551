package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Single-use records live in a Redis hash:
//
//	doc        JSON body, written once
//	expires_at unix milliseconds
//	used_at    unix milliseconds, empty until redeemed
//	revoked_at unix milliseconds, empty until revoked
//	attempts   failed verification counter
//
// State transitions touch only the state fields, each through one script.

const (
	fieldDoc       = "doc"
	fieldExpiresAt = "expires_at"
	fieldUsedAt    = "used_at"
	fieldRevokedAt = "revoked_at"
	fieldAttempts  = "attempts"
)

// retention keeps expired records readable for a short while so late
// redemptions report "expired" or "used" instead of "not found".
const retention = time.Minute

const (
	consumeStatusNotFound int64 = 0
	consumeStatusUsed     int64 = 1
	consumeStatusExpired  int64 = 2
	consumeStatusConsumed int64 = 3
	consumeStatusRevoked  int64 = 4
)

const consumeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
local revoked = redis.call("HGET", KEYS[1], "revoked_at")
if revoked and revoked ~= "" then
  return {4}
end
local used = redis.call("HGET", KEYS[1], "used_at")
if used and used ~= "" then
  return {1}
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if exp <= tonumber(ARGV[1]) then
  return {2}
end
redis.call("HSET", KEYS[1], "used_at", ARGV[1])
return {3, redis.call("HGET", KEYS[1], "doc")}
`

var consumeLua = redis.NewScript(consumeScript)

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

const failureScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local n = redis.call("HINCRBY", KEYS[1], "attempts", 1)
if n >= tonumber(ARGV[1]) then
  redis.call("DEL", KEYS[1])
  return -2
end
return n
`

var failureLua = redis.NewScript(failureScript)

type recordState struct {
	ExpiresAt time.Time
	UsedAt    time.Time
	RevokedAt time.Time
	Attempts  int
}

type records[T any] struct {
	redis  redis.UniversalClient
	prefix string
}

func (r records[T]) key(id string) string {
	return r.prefix + ":" + id
}

func (r records[T]) put(ctx context.Context, id string, doc *T, expiresAt, now time.Time) error {
	if id == "" {
		return ErrInvalidRecordKey
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ttl := expiresAt.Sub(now) + retention
	if ttl <= retention {
		ttl = retention
	}

	key := r.key(id)
	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldDoc, data, fieldExpiresAt, expiresAt.UnixMilli())
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r records[T]) get(ctx context.Context, id string) (*T, recordState, error) {
	var state recordState
	fields, err := r.redis.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, state, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	raw, ok := fields[fieldDoc]
	if !ok {
		return nil, state, ErrNotFound
	}

	var doc T
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, state, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	state.ExpiresAt = millisField(fields[fieldExpiresAt])
	state.UsedAt = millisField(fields[fieldUsedAt])
	state.RevokedAt = millisField(fields[fieldRevokedAt])
	if n, err := strconv.Atoi(fields[fieldAttempts]); err == nil {
		state.Attempts = n
	}
	return &doc, state, nil
}

// consume performs the used_at: empty -> now transition. Exactly one caller
// wins for a given id; every other caller observes ErrAlreadyUsed.
func (r records[T]) consume(ctx context.Context, id string, now time.Time) (*T, error) {
	res, err := consumeLua.Run(ctx, r.redis, []string{r.key(id)}, now.UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(res) == 0 {
		return nil, ErrCorruptRecord
	}
	status, _ := res[0].(int64)

	switch status {
	case consumeStatusConsumed:
	case consumeStatusUsed:
		return nil, ErrAlreadyUsed
	case consumeStatusExpired:
		return nil, ErrExpired
	case consumeStatusRevoked:
		return nil, ErrRevoked
	default:
		return nil, ErrNotFound
	}

	if len(res) < 2 {
		return nil, ErrCorruptRecord
	}
	raw, ok := res[1].(string)
	if !ok {
		return nil, ErrCorruptRecord
	}
	var doc T
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &doc, nil
}

// revoke sets revoked_at once. It reports whether the record exists; a
// second revoke of the same record is a successful no-op.
func (r records[T]) revoke(ctx context.Context, id string, now time.Time) (bool, error) {
	status, err := revokeLua.Run(ctx, r.redis, []string{r.key(id)}, now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return status != 0, nil
}

// recordFailure bumps the attempt counter and deletes the record once
// maxAttempts is reached.
func (r records[T]) recordFailure(ctx context.Context, id string, maxAttempts int) (int, error) {
	n, err := failureLua.Run(ctx, r.redis, []string{r.key(id)}, maxAttempts).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	switch n {
	case -1:
		return 0, ErrNotFound
	case -2:
		return maxAttempts, ErrAttemptsExceeded
	}
	return int(n), nil
}

func (r records[T]) delete(ctx context.Context, id string) error {
	if err := r.redis.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func millisField(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
