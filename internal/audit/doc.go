// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, fan-out, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: append-only record of action, actor, resource, before/after snapshot.
//   - [Sanitize]: deep copy of a snapshot with credential-bearing keys redacted.
//
// # Architecture boundaries
//
// This package owns event buffering, snapshot sanitization and sink delivery.
// It does NOT decide which events to emit; that belongs to the Engine.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import goIdP or any sibling internal package.
//   - Offer any way to modify or delete an emitted event.
package audit
