package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeviceFingerprint hashes the client IP and User-Agent into the value
// recorded on a session. Either part may be empty.
func DeviceFingerprint(ip, userAgent string) string {
	h := sha256.New()
	h.Write([]byte(ip))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	return hex.EncodeToString(h.Sum(nil))
}
