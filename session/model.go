package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Session is the server-side record of a browser session. The opaque token
// handed to the client is never stored; TokenHash is its SHA-256.
type Session struct {
	TokenHash         string
	UserID            string
	DeviceFingerprint string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	RevokedAt         time.Time
}

// Status is the outcome of a lookup. Callers must collapse every non-valid
// status into one externally visible failure.
type Status uint8

const (
	StatusValid Status = iota
	StatusNotFound
	StatusRevoked
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusNotFound:
		return "not_found"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// HashToken returns the hex SHA-256 of an opaque session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
