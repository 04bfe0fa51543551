package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// DefaultSecretCost is the bcrypt cost for OAuth client secrets.
const DefaultSecretCost = 12

// ErrSecretMismatch is returned by [SecretHasher.Compare] on a wrong secret.
var ErrSecretMismatch = errors.New("client secret mismatch")

// SecretHasher hashes machine-generated client secrets with bcrypt. Client
// secrets are high entropy, so bcrypt's 72-byte input limit is never hit by
// secrets this module generates.
type SecretHasher struct {
	cost int
}

// NewSecretHasher returns a hasher using cost, or [DefaultSecretCost] when
// cost is zero.
func NewSecretHasher(cost int) (*SecretHasher, error) {
	if cost == 0 {
		cost = DefaultSecretCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, errors.New("bcrypt cost out of range")
	}
	return &SecretHasher{cost: cost}, nil
}

// Hash returns the bcrypt hash of secret.
func (h *SecretHasher) Hash(secret string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Compare returns nil when secret matches hash.
func (h *SecretHasher) Compare(hash, secret string) error {
	if hash == "" || secret == "" {
		return ErrSecretMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return err
	}
	return nil
}
