package internal

import (
	"strings"
	"testing"
)

// FuzzSplitSecretToken exercises "<id>.<secret>" parsing with arbitrary
// strings. Invalid inputs must be rejected without panicking, and anything
// accepted must survive a join.
func FuzzSplitSecretToken(f *testing.F) {
	f.Add("")
	f.Add(".")
	f.Add("abc")
	f.Add("id.")
	f.Add(".secret")
	f.Add("a.b.c")

	if secret, err := NewSecret(); err == nil {
		if id, err := NewOpaqueToken(OpaqueTokenSize); err == nil {
			f.Add(JoinSecretToken(id, secret))
		}
	}

	f.Fuzz(func(t *testing.T, input string) {
		id, secret, ok := SplitSecretToken(input)
		if !ok {
			if id != "" || secret != "" {
				t.Fatalf("rejected input leaked parts %q %q", id, secret)
			}
			return
		}
		if id == "" || secret == "" || strings.Contains(secret, ".") {
			t.Fatalf("accepted malformed parts %q %q", id, secret)
		}
		if joined := JoinSecretToken(id, secret); joined != input {
			t.Fatalf("roundtrip mismatch: %q vs %q", joined, input)
		}
	})
}
