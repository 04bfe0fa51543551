package goIdP

import (
	"strings"

	"github.com/MrEthical07/goIdP/internal/pkce"
	"github.com/MrEthical07/goIdP/jwt"
	"github.com/MrEthical07/goIdP/model"
)

// Endpoint paths served by httpapi, relative to the issuer.
const (
	PathAuthorize  = "/authorize"
	PathConsent    = "/authorize/consent"
	PathToken      = "/token"
	PathUserInfo   = "/userinfo"
	PathRevoke     = "/revoke"
	PathIntrospect = "/introspect"
	PathDiscovery  = "/.well-known/openid-configuration"
	PathJWKS       = "/.well-known/jwks.json"
)

// OpenIDConfiguration returns the discovery document for the issuer.
func (e *Engine) OpenIDConfiguration() OpenIDConfiguration {
	base := strings.TrimRight(e.config.OAuth.Issuer, "/")
	return OpenIDConfiguration{
		Issuer:                            e.config.OAuth.Issuer,
		AuthorizationEndpoint:             base + PathAuthorize,
		TokenEndpoint:                     base + PathToken,
		UserInfoEndpoint:                  base + PathUserInfo,
		JWKSURI:                           base + PathJWKS,
		RevocationEndpoint:                base + PathRevoke,
		IntrospectionEndpoint:             base + PathIntrospect,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{model.GrantAuthorizationCode, model.GrantRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{e.idTokens.Algorithm()},
		ScopesSupported:                   append([]string(nil), e.config.OAuth.SupportedScopes...),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256, pkce.MethodPlain},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "email", "email_verified", "name"},
	}
}

// JWKS returns the public keys that verify ID tokens.
func (e *Engine) JWKS() (jwt.JWKS, error) {
	return e.idTokens.JWKS()
}
