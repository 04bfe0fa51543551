package audit

import "strings"

// Redacted replaces sensitive values in sanitized snapshots.
const Redacted = "[REDACTED]"

var sensitiveKeyParts = []string{
	"password",
	"secret",
	"token",
	"pin",
	"hash",
	"code_verifier",
	"signature",
}

// Sanitize returns a deep copy of snapshot with every value under a
// sensitive key replaced by [Redacted]. Nested maps and slices are walked.
// A nil snapshot returns nil.
func Sanitize(snapshot map[string]any) map[string]any {
	if snapshot == nil {
		return nil
	}
	out := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		if sensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return Sanitize(m)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func sensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
