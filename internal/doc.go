// Package internal contains helper utilities that are intentionally private to goIdP,
// including secure random generation and device fingerprint helpers.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations) and snapshot sanitizing
//   - logging: zerolog construction for the reference server
//   - config: TOML + environment configuration for the reference server
//   - magiclink: HMAC-signed "payload.signature" tokens
//   - pkce: RFC 7636 verifier checks
//   - rate: tiered Redis-backed fixed-window limits
//   - security: security posture report
//   - stores: Redis persistence for users, clients, codes, tokens and challenges
//
// # What this package must NOT do
//
//   - Export types that appear in the public goIdP API.
//   - Be imported by any package outside the goIdP module.
package internal
