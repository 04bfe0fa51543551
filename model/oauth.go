package model

import "time"

// ClientStatus is the lifecycle state of a registered OAuth client.
type ClientStatus string

const (
	ClientActive    ClientStatus = "active"
	ClientSuspended ClientStatus = "suspended"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// OAuthClient is a registered relying party.
type OAuthClient struct {
	ClientID         string       `json:"client_id"`
	Name             string       `json:"name"`
	ClientSecretHash string       `json:"client_secret_hash,omitempty"`
	RedirectURIs     []string     `json:"redirect_uris"`
	AllowedScopes    []string     `json:"allowed_scopes"`
	RequirePKCE      bool         `json:"require_pkce"`
	GrantTypes       []string     `json:"grant_types"`
	Status           ClientStatus `json:"status"`
	Trusted          bool         `json:"trusted,omitempty"`
	RequireApproval  bool         `json:"require_approval,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Public reports whether the client has no secret and cannot authenticate
// itself at the token endpoint.
func (c *OAuthClient) Public() bool {
	return c.ClientSecretHash == ""
}

// Active reports whether the client may take part in new transactions.
func (c *OAuthClient) Active() bool {
	return c.Status == ClientActive
}

// HasRedirectURI matches uri against the allow-list by exact string equality.
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether grantType is listed for the client.
func (c *OAuthClient) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthorizationCode binds a single-use code to the transaction that minted it.
// Code holds the raw value only in memory; stores key it by hash.
type AuthorizationCode struct {
	Code                string    `json:"-"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               []string  `json:"scope"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	UsedAt              time.Time `json:"-"`
}

// TokenKind separates access and refresh token records.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Token is the server-side record behind an opaque access or refresh token.
// GrantID is shared by every token minted from one authorization so that a
// grant can be revoked as a whole.
type Token struct {
	JTI        string    `json:"jti"`
	Kind       TokenKind `json:"kind"`
	SecretHash string    `json:"secret_hash"`
	UserID     string    `json:"user_id"`
	ClientID   string    `json:"client_id"`
	Scope      []string  `json:"scope"`
	GrantID    string    `json:"grant_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RevokedAt  time.Time `json:"-"`
	UsedAt     time.Time `json:"-"`
}

// Consent records the scopes a user approved for a client.
type Consent struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     []string  `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
}

// Covers reports whether the consent is live and includes every requested scope.
func (c *Consent) Covers(requested []string) bool {
	if c == nil || !c.RevokedAt.IsZero() {
		return false
	}
	return ScopeSubset(requested, c.Scope)
}
