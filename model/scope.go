package model

import "strings"

const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// ParseScope splits a space-delimited scope string, dropping empty entries and
// duplicates while preserving order.
func ParseScope(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScope is the inverse of ParseScope.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether scope appears in granted.
func HasScope(granted []string, scope string) bool {
	for _, s := range granted {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopeSubset reports whether every entry of requested appears in allowed.
func ScopeSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !HasScope(allowed, s) {
			return false
		}
	}
	return true
}

// MergeScopes returns the union of a and b in first-seen order.
func MergeScopes(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !HasScope(out, s) {
			out = append(out, s)
		}
	}
	return out
}
