package goIdP

import "context"

type (
	metadataKey struct{}
	actorKey    struct{}
)

// WithMetadata attaches the caller's IP and User-Agent to ctx. Audit
// entries fall back to it when an operation has no explicit
// [SessionMetadata]; transports set it once per request.
func WithMetadata(ctx context.Context, meta SessionMetadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, meta)
}

// MetadataFromContext returns the value set by [WithMetadata], or the zero
// value.
func MetadataFromContext(ctx context.Context) SessionMetadata {
	if ctx == nil {
		return SessionMetadata{}
	}
	meta, _ := ctx.Value(metadataKey{}).(SessionMetadata)
	return meta
}

// WithActor records which user is performing an administrative operation.
// Operations that take an explicit actor id ignore it.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFromContext returns the id set by [WithActor].
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
