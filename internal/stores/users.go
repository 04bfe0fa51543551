package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrEthical07/goIdP/model"
	"github.com/redis/go-redis/v9"
)

// UserStore keeps each user in one Redis hash. Login-method fields
// (password_hash and one provider:<name> field per linked provider) are
// separate hash fields so method changes can be validated and written inside
// one WATCH/MULTI transaction.
type UserStore struct {
	redis  redis.UniversalClient
	prefix string
}

const (
	userFieldID           = "id"
	userFieldEmail        = "email"
	userFieldName         = "name"
	userFieldStatus       = "status"
	userFieldCreatedAt    = "created_at"
	userFieldLoginCount   = "login_count"
	userFieldVerified     = "email_verified"
	userFieldPasswordHash = "password_hash"
	userFieldProvider     = "provider:"
)

const maxTxRetries = 4

const incrementLoginScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "login_count", 1)
`

var incrementLoginLua = redis.NewScript(incrementLoginScript)

func NewUserStore(redisClient redis.UniversalClient, prefix string) *UserStore {
	return &UserStore{redis: redisClient, prefix: prefix}
}

func (s *UserStore) userKey(id string) string {
	return s.prefix + ":usr:" + id
}

func (s *UserStore) emailKey(email string) string {
	return s.prefix + ":usr:email:" + email
}

func (s *UserStore) providerKey(provider, providerID string) string {
	return s.prefix + ":usr:prov:" + provider + ":" + providerID
}

// Create inserts a new user. The email index and every provider index are
// claimed in the same transaction as the user hash.
func (s *UserStore) Create(ctx context.Context, u *model.User) error {
	emailKey := s.emailKey(u.Email)
	watched := []string{emailKey}
	for name, lp := range u.SocialProviders {
		watched = append(watched, s.providerKey(name, lp.ProviderID))
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, emailKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return ErrEmailTaken
			}
			if len(watched) > 1 {
				n, err = tx.Exists(ctx, watched[1:]...).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return ErrProviderLinked
				}
			}

			values, err := encodeUser(u)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, emailKey, u.ID, 0)
				pipe.HSet(ctx, s.userKey(u.ID), values...)
				for name, lp := range u.SocialProviders {
					pipe.Set(ctx, s.providerKey(name, lp.ProviderID), u.ID, 0)
				}
				return nil
			})
			return err
		}, watched...)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return classify(err)
	}
	return ErrContention
}

func (s *UserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	fields, err := s.redis.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return decodeUser(fields)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.lookup(ctx, s.emailKey(email))
}

func (s *UserStore) GetByProvider(ctx context.Context, provider, providerID string) (*model.User, error) {
	return s.lookup(ctx, s.providerKey(provider, providerID))
}

func (s *UserStore) lookup(ctx context.Context, indexKey string) (*model.User, error) {
	id, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return s.GetByID(ctx, id)
}

// IncrementLoginCount bumps the counter and returns the new value.
func (s *UserStore) IncrementLoginCount(ctx context.Context, userID string) (int64, error) {
	n, err := incrementLoginLua.Run(ctx, s.redis, []string{s.userKey(userID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// SetPassword stores a password hash. With onlyIfAbsent it refuses to
// overwrite an existing password (ErrPasswordExists). It returns the login
// methods before the write and the updated user.
func (s *UserStore) SetPassword(ctx context.Context, userID, hash string, onlyIfAbsent bool) ([]string, *model.User, error) {
	return s.update(ctx, userID, nil, func(_ *redis.Tx, u *model.User) (func(redis.Pipeliner), error) {
		if onlyIfAbsent && u.PasswordHash != "" {
			return nil, ErrPasswordExists
		}
		u.PasswordHash = hash
		return func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, s.userKey(userID), userFieldPasswordHash, hash)
		}, nil
	})
}

// LinkProvider attaches a provider identity. It fails with ErrProviderLinked
// when the user already has this provider or the provider identity belongs
// to any user.
func (s *UserStore) LinkProvider(ctx context.Context, userID, provider string, lp model.LinkedProvider) ([]string, *model.User, error) {
	indexKey := s.providerKey(provider, lp.ProviderID)
	return s.update(ctx, userID, []string{indexKey}, func(tx *redis.Tx, u *model.User) (func(redis.Pipeliner), error) {
		if _, ok := u.SocialProviders[provider]; ok {
			return nil, ErrProviderLinked
		}
		n, err := tx.Exists(ctx, indexKey).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, ErrProviderLinked
		}
		data, err := json.Marshal(lp)
		if err != nil {
			return nil, err
		}
		if u.SocialProviders == nil {
			u.SocialProviders = make(map[string]model.LinkedProvider, 1)
		}
		u.SocialProviders[provider] = lp
		return func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, s.userKey(userID), userFieldProvider+provider, data)
			pipe.Set(ctx, indexKey, userID, 0)
		}, nil
	})
}

// UnlinkMethod removes a login method. The remaining-method count is checked
// against the watched hash, so two concurrent unlinks cannot both pass when
// only one method would be left.
func (s *UserStore) UnlinkMethod(ctx context.Context, userID, method string) ([]string, *model.User, error) {
	return s.update(ctx, userID, nil, func(_ *redis.Tx, u *model.User) (func(redis.Pipeliner), error) {
		if !u.HasLoginMethod(method) {
			return nil, ErrMethodNotLinked
		}
		if len(u.LoginMethods()) <= 1 {
			return nil, ErrLastLoginMethod
		}

		key := s.userKey(userID)
		if method == model.MethodPassword {
			u.PasswordHash = ""
			return func(pipe redis.Pipeliner) {
				pipe.HDel(ctx, key, userFieldPasswordHash)
			}, nil
		}

		lp := u.SocialProviders[method]
		delete(u.SocialProviders, method)
		return func(pipe redis.Pipeliner) {
			pipe.HDel(ctx, key, userFieldProvider+method)
			pipe.Del(ctx, s.providerKey(method, lp.ProviderID))
		}, nil
	})
}

// MarkEmailVerified records that the user proved control of their email.
func (s *UserStore) MarkEmailVerified(ctx context.Context, userID string) error {
	_, _, err := s.update(ctx, userID, nil, func(_ *redis.Tx, u *model.User) (func(redis.Pipeliner), error) {
		u.EmailVerified = true
		return func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, s.userKey(userID), userFieldVerified, "1")
		}, nil
	})
	return err
}

// SetStatus changes the account status and returns the user before and after.
func (s *UserStore) SetStatus(ctx context.Context, userID string, status model.UserStatus) (model.UserStatus, *model.User, error) {
	var previous model.UserStatus
	_, u, err := s.update(ctx, userID, nil, func(_ *redis.Tx, u *model.User) (func(redis.Pipeliner), error) {
		previous = u.Status
		u.Status = status
		return func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, s.userKey(userID), userFieldStatus, string(status))
		}, nil
	})
	return previous, u, err
}

func (s *UserStore) update(
	ctx context.Context,
	userID string,
	extraWatch []string,
	fn func(tx *redis.Tx, u *model.User) (func(redis.Pipeliner), error),
) ([]string, *model.User, error) {
	key := s.userKey(userID)
	watched := append([]string{key}, extraWatch...)

	for i := 0; i < maxTxRetries; i++ {
		var (
			before  []string
			current *model.User
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			u, err := decodeUser(fields)
			if err != nil {
				return err
			}
			before = u.LoginMethods()

			write, err := fn(tx, u)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				write(pipe)
				return nil
			})
			if err != nil {
				return err
			}
			current = u
			return nil
		}, watched...)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, nil, classify(err)
		}
		return before, current, nil
	}
	return nil, nil, ErrContention
}

func encodeUser(u *model.User) ([]interface{}, error) {
	values := []interface{}{
		userFieldID, u.ID,
		userFieldEmail, u.Email,
		userFieldName, u.Name,
		userFieldStatus, string(u.Status),
		userFieldCreatedAt, u.CreatedAt.UnixMilli(),
		userFieldLoginCount, u.LoginCount,
		userFieldVerified, boolField(u.EmailVerified),
	}
	if u.PasswordHash != "" {
		values = append(values, userFieldPasswordHash, u.PasswordHash)
	}
	for name, lp := range u.SocialProviders {
		data, err := json.Marshal(lp)
		if err != nil {
			return nil, err
		}
		values = append(values, userFieldProvider+name, data)
	}
	return values, nil
}

func decodeUser(fields map[string]string) (*model.User, error) {
	id := fields[userFieldID]
	if id == "" {
		return nil, ErrNotFound
	}

	u := &model.User{
		ID:            id,
		Email:         fields[userFieldEmail],
		Name:          fields[userFieldName],
		PasswordHash:  fields[userFieldPasswordHash],
		EmailVerified: fields[userFieldVerified] == "1",
		Status:        model.UserStatus(fields[userFieldStatus]),
		CreatedAt:     millisField(fields[userFieldCreatedAt]),
	}
	if n, err := strconv.ParseInt(fields[userFieldLoginCount], 10, 64); err == nil {
		u.LoginCount = n
	}

	for field, raw := range fields {
		name, ok := strings.CutPrefix(field, userFieldProvider)
		if !ok || name == "" {
			continue
		}
		var lp model.LinkedProvider
		if err := json.Unmarshal([]byte(raw), &lp); err != nil {
			return nil, fmt.Errorf("%w: provider %s: %v", ErrCorruptRecord, name, err)
		}
		if u.SocialProviders == nil {
			u.SocialProviders = make(map[string]model.LinkedProvider)
		}
		u.SocialProviders[name] = lp
	}
	if u.Status == "" {
		u.Status = model.UserActive
	}
	return u, nil
}

// classify passes store sentinels through and wraps anything else as a
// backend failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrNotFound, ErrEmailTaken, ErrProviderLinked, ErrPasswordExists,
		ErrLastLoginMethod, ErrMethodNotLinked, ErrCorruptRecord, ErrAlreadyUsed,
		ErrRecordExists,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
