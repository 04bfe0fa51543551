// Package magiclink signs and verifies passwordless login tokens of the form
// "payload.signature", where payload is base64url JSON claims and signature
// is base64url HMAC-SHA256 over the encoded payload.
//
// Verification here is purely cryptographic plus expiry. Single use is
// enforced by the caller's store.
package magiclink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// TokenType is the "typ" claim of every magic link.
const TokenType = "magic_link"

const minSecretLen = 32

var (
	ErrMalformed    = errors.New("magic link malformed")
	ErrBadSignature = errors.New("magic link signature invalid")
	ErrExpired      = errors.New("magic link expired")
	ErrWrongType    = errors.New("magic link type invalid")
	ErrWeakSecret   = errors.New("magic link secret must be at least 32 bytes")
)

// Claims is the signed payload.
type Claims struct {
	Type      string `json:"typ"`
	Email     string `json:"email"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	JTI       string `json:"jti"`
}

// Signer holds the server secret.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer, rejecting secrets shorter than 32 bytes.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign encodes and signs claims. Type is forced to [TokenType].
func (s *Signer) Sign(c Claims) (string, error) {
	c.Type = TokenType
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.mac(payload)), nil
}

// Verify checks the signature in constant time, then the type and expiry.
// Claims are never decoded before the signature verifies.
func (s *Signer) Verify(token string, now time.Time) (Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return Claims{}, ErrMalformed
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	if !hmac.Equal(gotSig, s.mac(payload)) {
		return Claims{}, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, ErrMalformed
	}
	if c.Type != TokenType {
		return Claims{}, ErrWrongType
	}
	if c.JTI == "" || c.Email == "" {
		return Claims{}, ErrMalformed
	}
	if now.Unix() >= c.ExpiresAt {
		return c, ErrExpired
	}
	return c, nil
}

func (s *Signer) mac(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}
