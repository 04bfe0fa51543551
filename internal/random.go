package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// OpaqueTokenSize is the entropy of session tokens and authorization codes.
	OpaqueTokenSize = 32
	secretSize      = 32
)

// NewOpaqueToken returns size random bytes encoded as base64url without
// padding.
func NewOpaqueToken(size int) (string, error) {
	if size < 16 {
		return "", errors.New("opaque token too short")
	}
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewSecret returns a fresh 256-bit secret for "<id>.<secret>" credentials.
func NewSecret() (string, error) {
	return NewOpaqueToken(secretSize)
}

// HashSecret returns the hex SHA-256 of a high-entropy secret. Low-entropy
// values such as PINs must use [KeyedHash] instead.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// KeyedHash returns hex HMAC-SHA256(key, value).
func KeyedHash(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHash compares two hex digests in constant time.
func EqualHash(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// JoinSecretToken builds the wire form "<id>.<secret>".
func JoinSecretToken(id, secret string) string {
	return id + "." + secret
}

// SplitSecretToken parses "<id>.<secret>".
func SplitSecretToken(token string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(token, ".")
	if !ok || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", false
	}
	return id, secret, true
}

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
