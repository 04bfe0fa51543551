// Package pkce implements the RFC 7636 proof key checks used at token
// exchange.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

var (
	ErrVerifierRequired = errors.New("pkce: code_verifier required")
	ErrVerifierFormat   = errors.New("pkce: code_verifier must be 43-128 unreserved characters")
	ErrMismatch         = errors.New("pkce: code_verifier does not match challenge")
	ErrUnsupported      = errors.New("pkce: unsupported code_challenge_method")
)

// NormalizeMethod applies the RFC default of "plain" for an empty method and
// rejects anything else unknown.
func NormalizeMethod(method string) (string, error) {
	switch method {
	case "":
		return MethodPlain, nil
	case MethodS256, MethodPlain:
		return method, nil
	default:
		return "", ErrUnsupported
	}
}

// ValidChallenge reports whether challenge has the shape RFC 7636 allows.
func ValidChallenge(challenge string) bool {
	return validVerifier(challenge)
}

// S256 returns base64url(SHA256(verifier)) without padding.
func S256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify checks verifier against a stored challenge. An empty challenge
// means PKCE was not used for the code and any verifier is ignored.
func Verify(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrVerifierRequired
	}
	if !validVerifier(verifier) {
		return ErrVerifierFormat
	}

	var computed string
	switch method {
	case MethodS256:
		computed = S256(verifier)
	case MethodPlain, "":
		computed = verifier
	default:
		return ErrUnsupported
	}
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrMismatch
	}
	return nil
}

func validVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
