// Package rate provides Redis-backed fixed-window rate limiting for the
// tiered request budgets of the identity provider.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Keys are
// "<prefix>:rl:<tier>:<subject>", where subject is usually the client IP.
// Retry-after is the remaining PTTL of the window key.
//
// # What this package must NOT do
//
//   - Derive client IPs (that lives in middleware).
//   - Be imported outside the goIdP module.
package rate
