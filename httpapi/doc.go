// Package httpapi serves goIdP over HTTP: the OAuth2/OIDC endpoints
// (authorize, token, userinfo, revocation, introspection, discovery, JWKS)
// and the first-party login surface (password, step-up PIN, magic link,
// password reset, logout, CSRF).
//
// Errors are JSON objects {"error", "error_description"}; token and
// credential responses carry Cache-Control: no-store.
package httpapi
