package goIdP

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/model"
)

// User returns the account record. Login methods are derived from it with
// [model.User.LoginMethods].
func (e *Engine) User(ctx context.Context, userID string) (*model.User, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.loadUser(sctx, userID)
}

func (e *Engine) loadUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	u, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, e.backendError("user_get", err)
	}
	return u, nil
}

// CanUnlink reports whether method could be removed right now. Account
// pages use it to hide the unlink control; [Engine.UnlinkMethod] checks
// again on its own.
func (e *Engine) CanUnlink(ctx context.Context, userID, method string) (bool, error) {
	u, err := e.User(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.HasLoginMethod(method) && len(u.LoginMethods()) > 1, nil
}

// AdminLinkProvider attaches a provider identity to a user on behalf of an
// operator. The identity email must equal the account email exactly after
// normalization.
func (e *Engine) AdminLinkProvider(ctx context.Context, actorID, userID string, id ProviderIdentity) (*model.User, error) {
	id, err := normalizeIdentity(id)
	if err != nil {
		return nil, err
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	u, err := e.loadUser(sctx, userID)
	if err != nil {
		return nil, err
	}
	if id.Email != u.Email {
		return nil, e.linkRejected(ctx, actorID, u, auditProviderLinked, id.Provider, "email_mismatch", ErrEmailMismatch)
	}

	before, linked, err := e.users.LinkProvider(sctx, u.ID, id.Provider, e.linkedProvider(id))
	if err != nil {
		if errors.Is(err, stores.ErrProviderLinked) {
			return nil, e.linkRejected(ctx, actorID, u, auditProviderLinked, id.Provider, "already_linked", ErrProviderLinked)
		}
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, e.backendError("user_link", err)
	}

	e.metricInc(MetricProviderLinked)
	e.emitAudit(ctx, auditEntry{
		action:   auditProviderLinked,
		actorID:  actorID,
		userID:   u.ID,
		resource: id.Provider,
		success:  true,
		before:   methodsSnapshot(before),
		after:    methodsSnapshot(linked.LoginMethods()),
	})
	return linked, nil
}

// UnlinkMethod removes a login method ("password" or a provider name).
//
// The last remaining method can never be removed: the request is checked
// against the current record here, and the store re-checks the method count
// inside the same transaction that performs the write.
func (e *Engine) UnlinkMethod(ctx context.Context, actorID, userID, method string) (*model.User, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	u, err := e.loadUser(sctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.HasLoginMethod(method) {
		return nil, e.linkRejected(ctx, actorID, u, auditUnlinkRejected, method, "not_linked", ErrMethodNotLinked)
	}
	if len(u.LoginMethods()) <= 1 {
		return nil, e.linkRejected(ctx, actorID, u, auditUnlinkRejected, method, "last_method", ErrLastLoginMethod)
	}

	before, updated, err := e.users.UnlinkMethod(sctx, u.ID, method)
	switch {
	case errors.Is(err, stores.ErrLastLoginMethod):
		return nil, e.linkRejected(ctx, actorID, u, auditUnlinkRejected, method, "last_method_concurrent", ErrLastLoginMethod)
	case errors.Is(err, stores.ErrMethodNotLinked):
		return nil, e.linkRejected(ctx, actorID, u, auditUnlinkRejected, method, "not_linked_concurrent", ErrMethodNotLinked)
	case errors.Is(err, stores.ErrNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, e.backendError("user_unlink", err)
	}

	e.metricInc(MetricMethodUnlinked)
	e.emitAudit(ctx, auditEntry{
		action:   auditMethodUnlinked,
		actorID:  actorID,
		userID:   u.ID,
		resource: method,
		success:  true,
		before:   methodsSnapshot(before),
		after:    methodsSnapshot(updated.LoginMethods()),
	})
	return updated, nil
}

func (e *Engine) linkRejected(ctx context.Context, actorID string, u *model.User, action, method, reason string, err error) error {
	if action == auditUnlinkRejected {
		e.metricInc(MetricUnlinkRejected)
	}
	methods := u.LoginMethods()
	e.emitAudit(ctx, auditEntry{
		action:   action,
		actorID:  actorID,
		userID:   u.ID,
		resource: method,
		err:      err,
		before:   methodsSnapshot(methods),
		after:    methodsSnapshot(methods),
		metadata: func() map[string]string {
			return map[string]string{"reason": reason}
		},
	})
	return err
}
