package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrEthical07/goIdP/model"
	"github.com/redis/go-redis/v9"
)

// documents stores one JSON value per key without expiry. mutate runs a
// read-modify-write under WATCH so concurrent updates never lose writes.
type documents[T any] struct {
	redis  redis.UniversalClient
	prefix string
}

func (d documents[T]) key(id string) string {
	return d.prefix + ":" + id
}

func (d documents[T]) put(ctx context.Context, id string, doc *T) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := d.redis.Set(ctx, d.key(id), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (d documents[T]) get(ctx context.Context, id string) (*T, error) {
	data, err := d.redis.Get(ctx, d.key(id)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var doc T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &doc, nil
}

// mutate passes the current value (nil when absent) to fn and stores the
// value fn returns. It returns the value before and after the write.
func (d documents[T]) mutate(ctx context.Context, id string, fn func(current *T) (*T, error)) (*T, *T, error) {
	key := d.key(id)
	for i := 0; i < maxTxRetries; i++ {
		var before, after *T
		err := d.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				var doc T
				if err := json.Unmarshal(data, &doc); err != nil {
					return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
				}
				before = &doc
			case isNil(err):
			default:
				return err
			}

			var snapshot *T
			if before != nil {
				copied := *before
				snapshot = &copied
			}
			next, err := fn(snapshot)
			if err != nil {
				return err
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			if err != nil {
				return err
			}
			after = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, nil, classify(err)
		}
		return before, after, nil
	}
	return nil, nil, ErrContention
}

// ClientStore is the OAuth client registry.
type ClientStore struct {
	docs documents[model.OAuthClient]
}

func NewClientStore(redisClient redis.UniversalClient, prefix string) *ClientStore {
	return &ClientStore{docs: documents[model.OAuthClient]{redis: redisClient, prefix: prefix + ":cli"}}
}

func (s *ClientStore) Save(ctx context.Context, c *model.OAuthClient) error {
	return s.docs.put(ctx, c.ClientID, c)
}

// Create stores c unless a client with the same id exists.
func (s *ClientStore) Create(ctx context.Context, c *model.OAuthClient) error {
	_, _, err := s.docs.mutate(ctx, c.ClientID, func(current *model.OAuthClient) (*model.OAuthClient, error) {
		if current != nil {
			return nil, ErrRecordExists
		}
		return c, nil
	})
	return err
}

func (s *ClientStore) Get(ctx context.Context, clientID string) (*model.OAuthClient, error) {
	return s.docs.get(ctx, clientID)
}

func (s *ClientStore) SetStatus(ctx context.Context, clientID string, status model.ClientStatus) (*model.OAuthClient, *model.OAuthClient, error) {
	return s.docs.mutate(ctx, clientID, func(c *model.OAuthClient) (*model.OAuthClient, error) {
		if c == nil {
			return nil, ErrNotFound
		}
		c.Status = status
		return c, nil
	})
}

// ConsentStore records per (user, client) scope approvals.
type ConsentStore struct {
	docs documents[model.Consent]
}

func NewConsentStore(redisClient redis.UniversalClient, prefix string) *ConsentStore {
	return &ConsentStore{docs: documents[model.Consent]{redis: redisClient, prefix: prefix + ":cns"}}
}

func consentID(userID, clientID string) string {
	return userID + ":" + clientID
}

func (s *ConsentStore) Get(ctx context.Context, userID, clientID string) (*model.Consent, error) {
	return s.docs.get(ctx, consentID(userID, clientID))
}

// Mutate applies fn to the consent record for (userID, clientID).
func (s *ConsentStore) Mutate(ctx context.Context, userID, clientID string, fn func(*model.Consent) (*model.Consent, error)) (*model.Consent, *model.Consent, error) {
	return s.docs.mutate(ctx, consentID(userID, clientID), fn)
}

// PermissionStore holds AppPermission records.
type PermissionStore struct {
	docs documents[model.AppPermission]
}

func NewPermissionStore(redisClient redis.UniversalClient, prefix string) *PermissionStore {
	return &PermissionStore{docs: documents[model.AppPermission]{redis: redisClient, prefix: prefix + ":prm"}}
}

func (s *PermissionStore) Get(ctx context.Context, userID, clientID string) (*model.AppPermission, error) {
	return s.docs.get(ctx, consentID(userID, clientID))
}

func (s *PermissionStore) Mutate(ctx context.Context, userID, clientID string, fn func(*model.AppPermission) (*model.AppPermission, error)) (*model.AppPermission, *model.AppPermission, error) {
	return s.docs.mutate(ctx, consentID(userID, clientID), fn)
}

// SettingsStore holds runtime-togglable flags.
type SettingsStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewSettingsStore(redisClient redis.UniversalClient, prefix string) *SettingsStore {
	return &SettingsStore{redis: redisClient, prefix: prefix + ":set"}
}

// Bool returns the stored flag, or fallback when the flag was never set.
func (s *SettingsStore) Bool(ctx context.Context, name string, fallback bool) (bool, error) {
	v, err := s.redis.Get(ctx, s.prefix+":"+name).Result()
	if err != nil {
		if isNil(err) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return v == "1", nil
}

func (s *SettingsStore) SetBool(ctx context.Context, name string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	if err := s.redis.Set(ctx, s.prefix+":"+name, v, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
