package magiclink

import (
	"strings"
	"testing"
	"time"
)

// FuzzVerify feeds arbitrary tokens to Verify. Nothing unsigned may ever
// verify.
func FuzzVerify(f *testing.F) {
	s, err := NewSigner([]byte(strings.Repeat("f", 32)))
	if err != nil {
		f.Fatalf("signer: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	valid, err := s.Sign(Claims{Email: "a@example.test", JTI: "j1", IssuedAt: now.Unix(), ExpiresAt: now.Add(time.Minute).Unix()})
	if err != nil {
		f.Fatalf("sign: %v", err)
	}

	f.Add(valid)
	f.Add("")
	f.Add(".")
	f.Add("e30.AAAA")
	f.Add(valid + "x")

	f.Fuzz(func(t *testing.T, token string) {
		if _, err := s.Verify(token, now); err != nil {
			return
		}
		payload, _, _ := strings.Cut(token, ".")
		if want, _, _ := strings.Cut(valid, "."); payload != want {
			t.Fatalf("verified a payload the signer never produced: %q", token)
		}
	})
}
