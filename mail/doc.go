// Package mail delivers transactional email (magic links, step-up PINs,
// password resets) on a best-effort basis.
//
// # Design
//
// Callers hand a [Message] to a [Dispatcher], which resolves sender settings
// through a [ConfigResolver], paces delivery with a token bucket, and retries
// failed sends a bounded number of times. Enqueue never waits for delivery;
// a failed email is logged and never undoes work the caller already
// committed.
//
// # What this package must NOT do
//
//   - Render templates or speak a provider-specific wire format beyond the
//     generic JSON of [HTTPSender].
//   - Log message bodies above debug level, since they carry credentials.
package mail
