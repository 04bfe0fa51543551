// Package middleware adapts goIdP.Engine to net/http.
//
// # Chain
//
//   - [RequestMetadata]: resolves the client IP through trusted proxies and
//     stores it with the User-Agent on the request context.
//   - [RateLimit]: charges one request to an IP tier, answering 429 with a
//     Retry-After header once the budget is spent.
//   - [CSRF.Protect]: double-submit check for state-changing requests.
//   - [RequireSession] and [RequireBearer]: resolve the session cookie or the
//     bearer access token and put the result on the context.
//
// # Boundaries
//
// This package translates HTTP into Engine calls. Session, token and rate
// decisions are made by the Engine; the only credential this package mints
// itself is the CSRF token, which carries no identity.
package middleware
