package goIdP

import (
	"net/url"
	"time"

	"github.com/MrEthical07/goIdP/internal/audit"
	"github.com/MrEthical07/goIdP/model"
	"github.com/MrEthical07/goIdP/session"
)

// SessionMetadata describes the client behind a request. It feeds the
// session fingerprint and audit entries.
type SessionMetadata struct {
	IP        string
	UserAgent string
}

// Session is the server-side session record returned by validation.
type Session = session.Session

// AuditEvent is one audit log entry. Before and After are sanitized before
// they reach any sink.
type AuditEvent = audit.Event

// AuditSink receives audit events from the engine's dispatcher.
type AuditSink = audit.Sink

// LoginResult is the outcome of a primary authentication step.
//
// When StepUpRequired is set no session exists yet: the caller must collect
// the PIN sent by email and finish with [Engine.VerifyStepUpPIN].
type LoginResult struct {
	UserID           string
	SessionToken     string
	SessionExpiresAt time.Time

	StepUpRequired     bool
	ChallengeID        string
	ChallengeExpiresAt time.Time
}

// ProviderIdentity is an identity asserted by a social login provider.
type ProviderIdentity struct {
	Provider      string
	ProviderID    string
	Email         string
	EmailVerified bool
	Name          string
}

// AuthorizeRequest carries the parameters of an authorization request for
// an already authenticated user.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	UserID   string
	AuthTime time.Time
}

// AuthorizeResult is either a consent prompt or an issued code.
type AuthorizeResult struct {
	ConsentRequired bool
	ClientID        string
	ClientName      string
	Scope           []string

	Code        string
	RedirectURI string
	State       string
	ExpiresAt   time.Time
}

// RedirectURL returns the client callback carrying the code and state.
func (r *AuthorizeResult) RedirectURL() (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", r.Code)
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ErrorRedirectURL returns redirectURI carrying an OAuth error, per RFC 6749
// section 4.1.2.1.
func ErrorRedirectURL(redirectURI, state string, oerr *OAuthError) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("error", oerr.Code)
	if oerr.Description != "" {
		q.Set("error_description", oerr.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenRequest is a token endpoint request after transport decoding.
// Client credentials may come from HTTP Basic or the form body.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the RFC 6749 section 5.1 response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// AccessTokenInfo is the verified content of an access token.
type AccessTokenInfo struct {
	JTI       string
	UserID    string
	ClientID  string
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// UserInfo is the OIDC userinfo response. Claims outside the granted
// scopes are always empty.
type UserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
}

// Introspection is the RFC 7662 response. Inactive tokens carry nothing
// but Active=false.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// ClientRegistration describes a new OAuth client.
type ClientRegistration struct {
	ClientID      string
	Name          string
	RedirectURIs  []string
	AllowedScopes []string
	GrantTypes    []string
	// Public clients get no secret and default to RequirePKCE.
	Public bool
	// RequirePKCE overrides the default when non-nil.
	RequirePKCE     *bool
	Trusted         bool
	RequireApproval bool
}

// RegisteredClient is returned once by [Engine.RegisterClient]. ClientSecret
// is only ever available here.
type RegisteredClient struct {
	Client       model.OAuthClient
	ClientSecret string
}

// OpenIDConfiguration is the discovery document.
type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// SweepResult counts index entries removed by [Engine.Sweep].
type SweepResult struct {
	SessionIndexEntries int
	TokenIndexEntries   int
}
