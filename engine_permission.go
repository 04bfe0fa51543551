package goIdP

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/model"
)

// RequestAppAccess files a pending access request of userID for clientID.
// A request for access that is already approved or pending changes nothing.
func (e *Engine) RequestAppAccess(ctx context.Context, userID, clientID string) (*model.AppPermission, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	if _, err := e.loadClient(sctx, clientID); err != nil {
		return nil, err
	}
	if _, err := e.loadUser(sctx, userID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	before, after, err := e.permissions.Mutate(sctx, userID, clientID, func(cur *model.AppPermission) (*model.AppPermission, error) {
		if cur != nil && (cur.Status == model.PermissionApproved || cur.Status == model.PermissionPending) {
			return cur, nil
		}
		return &model.AppPermission{
			UserID:      userID,
			ClientID:    clientID,
			Role:        model.RoleNone,
			Status:      model.PermissionPending,
			RequestedAt: now,
			UpdatedAt:   now,
		}, nil
	})
	if err != nil {
		return nil, e.backendError("permission_request", err)
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditAppAccessRequested,
		actorID:  userID,
		userID:   userID,
		resource: clientID,
		success:  true,
		before:   permissionSnapshot(before),
		after:    permissionSnapshot(after),
	})
	return after, nil
}

// ApproveAppAccess grants role to userID on clientID. It works with or
// without a prior request.
func (e *Engine) ApproveAppAccess(ctx context.Context, actorID, userID, clientID string, role model.AppRole) (*model.AppPermission, error) {
	if !role.Valid() || role == model.RoleNone {
		return nil, ErrInvalidRole
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	if _, err := e.loadClient(sctx, clientID); err != nil {
		return nil, err
	}
	if _, err := e.loadUser(sctx, userID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	before, after, err := e.permissions.Mutate(sctx, userID, clientID, func(cur *model.AppPermission) (*model.AppPermission, error) {
		next := cur
		if next == nil {
			next = &model.AppPermission{UserID: userID, ClientID: clientID, RequestedAt: now}
		}
		next.Role = role
		next.Status = model.PermissionApproved
		next.GrantedBy = actorID
		next.GrantedAt = now
		next.RevokedBy = ""
		next.RevokedAt = time.Time{}
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		return nil, e.backendError("permission_approve", err)
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditAppAccessApproved,
		actorID:  actorID,
		userID:   userID,
		resource: clientID,
		success:  true,
		before:   permissionSnapshot(before),
		after:    permissionSnapshot(after),
	})
	return after, nil
}

// RevokeAppAccess withdraws access and revokes the tokens the client holds
// for the user.
func (e *Engine) RevokeAppAccess(ctx context.Context, actorID, userID, clientID string) (*model.AppPermission, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.now().UTC()
	before, after, err := e.permissions.Mutate(sctx, userID, clientID, func(cur *model.AppPermission) (*model.AppPermission, error) {
		if cur == nil {
			return nil, stores.ErrNotFound
		}
		cur.Role = model.RoleNone
		cur.Status = model.PermissionRevoked
		cur.RevokedBy = actorID
		cur.RevokedAt = now
		cur.UpdatedAt = now
		return cur, nil
	})
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrPermissionNotFound
		}
		return nil, e.backendError("permission_revoke", err)
	}

	if _, err := e.tokens.RevokeUserClient(sctx, userID, clientID, now); err != nil {
		return nil, e.backendError("permission_revoke_tokens", err)
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditAppAccessRevoked,
		actorID:  actorID,
		userID:   userID,
		resource: clientID,
		success:  true,
		before:   permissionSnapshot(before),
		after:    permissionSnapshot(after),
	})
	return after, nil
}

// AppPermission returns the access record of userID for clientID.
func (e *Engine) AppPermission(ctx context.Context, userID, clientID string) (*model.AppPermission, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	p, err := e.permissions.Get(sctx, userID, clientID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrPermissionNotFound
		}
		return nil, e.backendError("permission_get", err)
	}
	return p, nil
}

func permissionSnapshot(p *model.AppPermission) map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"role":       string(p.Role),
		"status":     string(p.Status),
		"granted_by": p.GrantedBy,
		"revoked_by": p.RevokedBy,
	}
}
