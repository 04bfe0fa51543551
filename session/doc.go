// Package session provides Redis-backed persistence for browser sessions.
//
// # Storage
//
// Each session is a Redis hash keyed by the SHA-256 of the opaque token. The
// raw token exists only in the client's cookie. A per-user set indexes token
// hashes for revoke-all and account listings; index entries outlive their
// sessions until [Store.PruneUserIndexes] removes them.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model. It
// does NOT generate tokens, compare device fingerprints, or decide what the
// caller is told about an invalid session; those responsibilities belong to
// the Engine.
//
// # What this package must NOT do
//
//   - Import goIdP (no upward imports).
//   - Store raw session tokens.
//   - Extend the expiry of a revoked session.
package session
