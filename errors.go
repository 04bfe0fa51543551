package goIdP

import (
	"errors"
	"net/http"
)

// Kind classifies an engine error for transport mapping and auditing.
type Kind uint8

const (
	// KindInternal covers backend failures and anything unclassified.
	KindInternal Kind = iota
	// KindAuthentication means the caller could not prove who they are.
	KindAuthentication
	// KindAuthorization means the caller is known but not allowed.
	KindAuthorization
	// KindToken covers invalid, expired, revoked or replayed credentials.
	KindToken
	// KindRateLimit means a request budget is spent.
	KindRateLimit
	// KindCSRF means the anti-forgery check failed.
	KindCSRF
	// KindValidation means the request itself is malformed.
	KindValidation
	// KindConflict means the request collides with existing state.
	KindConflict
	// KindInvariant means the request would break an account invariant.
	KindInvariant
	// KindNotFound means an addressed resource does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindToken:
		return "token"
	case KindRateLimit:
		return "rate_limit"
	case KindCSRF:
		return "csrf"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// HTTPStatus is the status code a transport should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication, KindToken:
		return http.StatusUnauthorized
	case KindAuthorization, KindCSRF:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindValidation, KindInvariant:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified engine error with a stable machine code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	// ErrInvalidSession is the only error session validation reports.
	ErrInvalidSession = newError(KindAuthentication, "invalid_session", "invalid session")
	// ErrInvalidCredentials covers unknown accounts and wrong passwords alike.
	ErrInvalidCredentials = newError(KindAuthentication, "invalid_credentials", "invalid credentials")
	// ErrInvalidPIN is returned for a wrong step-up PIN.
	ErrInvalidPIN = newError(KindAuthentication, "invalid_pin", "invalid pin")
	// ErrChallengeInvalid is returned for unknown, expired, used or exhausted step-up challenges.
	ErrChallengeInvalid = newError(KindAuthentication, "invalid_challenge", "step-up challenge invalid")

	ErrMagicLinkInvalid = newError(KindToken, "invalid_magic_link", "magic link invalid")
	ErrMagicLinkUsed    = newError(KindToken, "magic_link_used", "magic link already used")
	ErrMagicLinkExpired = newError(KindToken, "magic_link_expired", "magic link expired")
	ErrTokenInvalid     = newError(KindToken, "invalid_token", "invalid token")
	// ErrPasswordResetInvalid is returned for any unusable reset token.
	ErrPasswordResetInvalid = newError(KindToken, "invalid_reset_token", "password reset token invalid")

	ErrPermissionDenied = newError(KindAuthorization, "permission_denied", "permission denied")
	ErrAccountDisabled  = newError(KindAuthorization, "account_disabled", "account disabled")
	ErrClientInactive   = newError(KindAuthorization, "client_inactive", "client is not active")

	ErrRateLimited = newError(KindRateLimit, "rate_limited", "rate limited")
	ErrCSRFInvalid = newError(KindCSRF, "csrf_invalid", "csrf token invalid")

	ErrInvalidInput     = newError(KindValidation, "invalid_request", "invalid request")
	ErrInvalidEmail     = newError(KindValidation, "invalid_email", "invalid email address")
	ErrPasswordPolicy   = newError(KindValidation, "password_policy", "password does not meet policy")
	ErrEmailMismatch    = newError(KindValidation, "email_mismatch", "provider email does not match account email")
	ErrMethodNotLinked  = newError(KindValidation, "method_not_linked", "login method not linked")
	ErrFeatureDisabled  = newError(KindValidation, "feature_disabled", "feature disabled")
	ErrInvalidRole      = newError(KindValidation, "invalid_role", "invalid role")
	ErrInvalidRedirect  = newError(KindValidation, "invalid_redirect_uri", "invalid redirect uri")
	ErrInvalidClientDef = newError(KindValidation, "invalid_client_metadata", "invalid client registration")

	ErrAccountExists  = newError(KindConflict, "account_exists", "account already exists")
	ErrProviderLinked = newError(KindConflict, "provider_linked", "provider identity already linked")
	ErrClientExists   = newError(KindConflict, "client_exists", "client already registered")

	// ErrLastLoginMethod is returned when an unlink would leave no way to sign in.
	ErrLastLoginMethod = newError(KindInvariant, "last_login_method", "cannot remove the last login method")

	ErrUserNotFound       = newError(KindNotFound, "user_not_found", "user not found")
	ErrClientNotFound     = newError(KindNotFound, "client_not_found", "client not found")
	ErrPermissionNotFound = newError(KindNotFound, "permission_not_found", "app permission not found")

	// ErrBackendUnavailable wraps store failures: fmt.Errorf("%w: %v", ErrBackendUnavailable, err).
	ErrBackendUnavailable = newError(KindInternal, "backend_unavailable", "backend unavailable")
	ErrEngineNotReady     = newError(KindInternal, "engine_not_ready", "engine not initialized")
)

// KindOf classifies err. Unknown errors are [KindInternal].
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		switch oe.Code {
		case OAuthInvalidClient:
			return KindAuthentication
		case OAuthAccessDenied, OAuthUnauthorizedClient:
			return KindAuthorization
		case OAuthInvalidGrant:
			return KindToken
		case OAuthServerError:
			return KindInternal
		default:
			return KindValidation
		}
	}
	return KindInternal
}

// CodeOf returns the stable machine code of err, or "internal_error".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return "internal_error"
}

// OAuth 2.0 error codes (RFC 6749 section 4.1.2.1 and 5.2).
const (
	OAuthInvalidRequest          = "invalid_request"
	OAuthInvalidClient           = "invalid_client"
	OAuthInvalidGrant            = "invalid_grant"
	OAuthUnauthorizedClient      = "unauthorized_client"
	OAuthUnsupportedGrantType    = "unsupported_grant_type"
	OAuthInvalidScope            = "invalid_scope"
	OAuthAccessDenied            = "access_denied"
	OAuthUnsupportedResponseType = "unsupported_response_type"
	OAuthServerError             = "server_error"
)

// OAuthError is a protocol error rendered as {error, error_description}.
//
// Redirectable is set once client_id and redirect_uri were validated, so an
// authorization endpoint may return the error to the client by redirect
// instead of showing it to the user.
type OAuthError struct {
	Code         string
	Description  string
	Redirectable bool
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return "oauth: " + e.Code
	}
	return "oauth: " + e.Code + ": " + e.Description
}

// Is matches any OAuthError with the same code.
func (e *OAuthError) Is(target error) bool {
	t, ok := target.(*OAuthError)
	return ok && t.Code == e.Code
}

// Status is the HTTP status for JSON responses.
func (e *OAuthError) Status() int {
	switch e.Code {
	case OAuthInvalidClient:
		return http.StatusUnauthorized
	case OAuthAccessDenied:
		return http.StatusForbidden
	case OAuthServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func oauthError(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

func redirectableError(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description, Redirectable: true}
}

// Sentinels for errors.Is comparisons against OAuth failures.
var (
	ErrOAuthInvalidRequest          = oauthError(OAuthInvalidRequest, "")
	ErrOAuthInvalidClient           = oauthError(OAuthInvalidClient, "")
	ErrOAuthInvalidGrant            = oauthError(OAuthInvalidGrant, "")
	ErrOAuthUnauthorizedClient      = oauthError(OAuthUnauthorizedClient, "")
	ErrOAuthUnsupportedGrantType    = oauthError(OAuthUnsupportedGrantType, "")
	ErrOAuthInvalidScope            = oauthError(OAuthInvalidScope, "")
	ErrOAuthAccessDenied            = oauthError(OAuthAccessDenied, "")
	ErrOAuthUnsupportedResponseType = oauthError(OAuthUnsupportedResponseType, "")
	ErrOAuthServerError             = oauthError(OAuthServerError, "")
)
