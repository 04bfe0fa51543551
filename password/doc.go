// Package password implements user password hashing with Argon2id and OAuth
// client secret hashing with bcrypt.
//
// # Output format
//
// Password hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] returns true when the stored hash was produced with
// weaker parameters, so the caller can re-hash on the next successful login.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy beyond
// byte length is enforced by the Engine.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords; callers supply plaintext and receive hashes.
//   - Import any other goIdP package.
//   - Log plaintext passwords or secrets.
package password
