package goIdP

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/model"
)

// DisableAccount is SetUserStatus(ctx, actorID, userID, model.UserDisabled).
func (e *Engine) DisableAccount(ctx context.Context, actorID, userID string) error {
	_, err := e.SetUserStatus(ctx, actorID, userID, model.UserDisabled)
	return err
}

// EnableAccount is SetUserStatus(ctx, actorID, userID, model.UserActive).
func (e *Engine) EnableAccount(ctx context.Context, actorID, userID string) error {
	_, err := e.SetUserStatus(ctx, actorID, userID, model.UserActive)
	return err
}

// SetUserStatus changes an account status. Disabling also revokes every
// session of the user; tokens stop verifying because verification checks
// the account status.
func (e *Engine) SetUserStatus(ctx context.Context, actorID, userID string, status model.UserStatus) (*model.User, error) {
	if status != model.UserActive && status != model.UserDisabled {
		return nil, ErrInvalidInput
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	previous, u, err := e.users.SetStatus(sctx, userID, status)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		err = e.backendError("user_status", err)
		e.emitAudit(ctx, auditEntry{action: auditUserStatusChanged, actorID: actorID, userID: userID, err: err})
		return nil, err
	}

	revoked := 0
	if status == model.UserDisabled {
		e.metricInc(MetricAccountDisabled)
		if revoked, err = e.sessions.RevokeAllForUser(sctx, userID, e.now().UTC()); err != nil {
			return u, e.backendError("user_status_revoke", err)
		}
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditUserStatusChanged,
		actorID:  actorID,
		userID:   userID,
		resource: "user",
		success:  true,
		before:   map[string]any{"status": string(previous)},
		after:    map[string]any{"status": string(status)},
		metadata: func() map[string]string {
			return map[string]string{"sessions_revoked": itoa(revoked)}
		},
	})
	return u, nil
}
