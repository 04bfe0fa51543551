// Package stores provides the Redis-backed persistence used by the identity
// provider engine: users, OAuth clients, consents, app permissions,
// authorization codes, tokens, magic links, step-up PIN challenges, password
// resets and runtime settings.
//
// # Design
//
// Short-lived credentials are Redis hashes with a JSON body plus separate
// state fields (used_at, revoked_at, attempts). Every redemption is a single
// Lua script that moves used_at from empty to now, so exactly one of any
// number of concurrent redeemers succeeds. Long-lived documents (clients,
// consents, permissions) and user login methods are updated through
// WATCH/MULTI optimistic transactions with bounded retry.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control. It does NOT hash
// secrets, generate tokens, or make authentication decisions; those belong to
// the engine.
//
// # What this package must NOT do
//
//   - Import goIdP or any sibling internal package other than model.
//   - Store raw codes, PINs or token secrets.
//   - Read-then-write a single-use record outside a script or transaction.
package stores
