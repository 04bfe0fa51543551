package model

import (
	"sort"
	"strings"
	"time"
)

// UserStatus is the lifecycle state of an account.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// MethodPassword names the password login method. Every other login method
// is the name of a linked social provider.
const MethodPassword = "password"

// LinkedProvider is one social identity attached to a user.
type LinkedProvider struct {
	ProviderID string    `json:"provider_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	LinkedAt   time.Time `json:"linked_at"`
}

// User is the account record shared by every authentication method.
//
// The set of login methods is derived from PasswordHash and SocialProviders
// on every read. It is never persisted separately.
type User struct {
	ID              string
	Email           string
	Name            string
	PasswordHash    string
	SocialProviders map[string]LinkedProvider
	EmailVerified   bool
	Status          UserStatus
	LoginCount      int64
	CreatedAt       time.Time
}

// LoginMethods returns the methods the user can currently sign in with:
// "password" first when a password hash exists, then provider names sorted.
func (u *User) LoginMethods() []string {
	if u == nil {
		return nil
	}
	methods := make([]string, 0, len(u.SocialProviders)+1)
	if u.PasswordHash != "" {
		methods = append(methods, MethodPassword)
	}
	providers := make([]string, 0, len(u.SocialProviders))
	for name := range u.SocialProviders {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return append(methods, providers...)
}

// HasLoginMethod reports whether method is currently available to the user.
func (u *User) HasLoginMethod(method string) bool {
	if u == nil {
		return false
	}
	if method == MethodPassword {
		return u.PasswordHash != ""
	}
	_, ok := u.SocialProviders[method]
	return ok
}

// Active reports whether the account may authenticate.
func (u *User) Active() bool {
	return u != nil && u.Status == UserActive
}

// NormalizeEmail trims and lower-cases an address. All email comparisons and
// indexes use the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail is a deliberately small syntactic check: one "@", non-empty
// local part, and a dotted domain without spaces.
func ValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return false
	}
	domain := email[at+1:]
	dot := strings.IndexByte(domain, '.')
	return dot > 0 && dot < len(domain)-1
}
