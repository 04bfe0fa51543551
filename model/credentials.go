package model

import "time"

// MagicLink is the persisted half of a signed passwordless token. The signed
// payload travels to the user; only the jti and its redemption state live here.
type MagicLink struct {
	JTI       string    `json:"jti"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedAt    time.Time `json:"-"`
}

// PINChallenge is an outstanding step-up challenge. PINHash is a keyed hash;
// the numeric PIN itself is never stored.
type PINChallenge struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PINHash   string    `json:"pin_hash"`
	Method    string    `json:"method"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"-"`
	UsedAt    time.Time `json:"-"`
}

// PasswordReset is a single-use reset grant keyed by the hash of its secret.
type PasswordReset struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SecretHash string    `json:"secret_hash"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	UsedAt     time.Time `json:"-"`
}
