package goIdP

import (
	"context"
	"time"
)

// Sweep drops index entries that point at expired sessions and tokens.
// Records themselves expire through Redis TTLs; only the per-user and
// per-grant index sets need pruning. Sweep is safe to run concurrently
// with normal traffic.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	start := e.now()

	n, err := e.sessions.PruneUserIndexes(ctx, e.config.Store.SweepBatch)
	res.SessionIndexEntries = n
	if err != nil {
		return res, e.backendError("sweep_sessions", err)
	}

	n, err = e.tokens.PruneIndexes(ctx, e.config.Store.SweepBatch)
	res.TokenIndexEntries = n
	if err != nil {
		return res, e.backendError("sweep_tokens", err)
	}

	e.logger.Debug().
		Int("session_entries", res.SessionIndexEntries).
		Int("token_entries", res.TokenIndexEntries).
		Dur("took", time.Since(start)).
		Msg("sweep finished")
	return res, nil
}
