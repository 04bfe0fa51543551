package internal

import (
	"testing"
)

func TestSplitSecretToken(t *testing.T) {
	tests := []struct {
		in     string
		id     string
		secret string
		ok     bool
	}{
		{"jti.secret", "jti", "secret", true},
		{"jti.", "", "", false},
		{".secret", "", "", false},
		{"nodot", "", "", false},
		{"a.b.c", "", "", false},
	}
	for _, tc := range tests {
		id, secret, ok := SplitSecretToken(tc.in)
		if id != tc.id || secret != tc.secret || ok != tc.ok {
			t.Fatalf("SplitSecretToken(%q) = %q %q %v", tc.in, id, secret, ok)
		}
	}
}

func TestNewOTPIsNumeric(t *testing.T) {
	for i := 0; i < 50; i++ {
		otp, err := NewOTP(6)
		if err != nil {
			t.Fatalf("NewOTP: %v", err)
		}
		if len(otp) != 6 {
			t.Fatalf("unexpected length %d", len(otp))
		}
		for _, c := range otp {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit in %q", otp)
			}
		}
	}
	if _, err := NewOTP(4); err == nil {
		t.Fatal("expected error for 4 digits")
	}
}

func TestOpaqueTokensAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := NewOpaqueToken(OpaqueTokenSize)
		if err != nil {
			t.Fatalf("NewOpaqueToken: %v", err)
		}
		if seen[tok] {
			t.Fatal("duplicate token")
		}
		seen[tok] = true
	}
}

func TestKeyedHashDependsOnKey(t *testing.T) {
	a := KeyedHash([]byte("k1"), "123456")
	b := KeyedHash([]byte("k2"), "123456")
	if a == b {
		t.Fatal("keyed hash ignored key")
	}
	if !EqualHash(a, KeyedHash([]byte("k1"), "123456")) {
		t.Fatal("keyed hash not deterministic")
	}
}

func TestDeviceFingerprintSeparatesParts(t *testing.T) {
	if DeviceFingerprint("1.2.3.4", "ua") == DeviceFingerprint("1.2.3.4u", "a") {
		t.Fatal("fingerprint must not be ambiguous across the separator")
	}
}
