// Package jwt issues and verifies OpenID Connect ID tokens and publishes the
// matching JSON Web Key Set.
//
// Ed25519 (EdDSA) is the default; HS256 is available for deployments where
// relying parties share a secret. Access and refresh tokens are opaque and do
// not live here.
package jwt
