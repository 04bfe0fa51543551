// Package goIdP is an identity provider engine: browser sessions, an
// OAuth 2.0 / OpenID Connect authorization server, passwordless sign-in
// with magic links, PIN step-up, and account linking across password and
// social providers.
//
// All durable state lives in Redis. Every single-use credential (codes,
// magic links, PIN challenges, refresh tokens, reset tokens) is redeemed by
// one Lua script that moves used_at from empty to now, so only one of any
// number of concurrent redemptions wins.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build].
//
// # Architecture boundaries
//
// goIdP is the public surface. It exposes [Engine], [Builder], [Config] and
// value types. Stores, the rate limiter, the audit dispatcher and the
// signing helpers live under internal/ or in leaf packages that never
// import goIdP. Transport lives in httpapi and middleware.
//
// # What this package must NOT do
//
//   - Store raw session tokens, codes, PINs or secrets; only hashes.
//   - Reveal whether an email belongs to an account from login, magic link
//     or password reset requests.
//   - Block on email delivery.
package goIdP
