package goIdP

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/model"
)

// GrantConsent records that userID approved scope for clientID. Scopes
// approved earlier are kept unless the consent had been revoked.
func (e *Engine) GrantConsent(ctx context.Context, userID, clientID string, scope []string) (*model.Consent, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	c, err := e.loadClient(sctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.Active() {
		return nil, ErrClientInactive
	}
	if len(scope) == 0 || !model.ScopeSubset(scope, c.AllowedScopes) {
		return nil, oauthError(OAuthInvalidScope, "scope not allowed for client")
	}
	if _, err := e.loadUser(sctx, userID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	before, after, err := e.consents.Mutate(sctx, userID, clientID, func(cur *model.Consent) (*model.Consent, error) {
		next := &model.Consent{UserID: userID, ClientID: clientID, Scope: scope, GrantedAt: now}
		if cur != nil && cur.RevokedAt.IsZero() {
			next.Scope = model.MergeScopes(cur.Scope, scope)
		}
		return next, nil
	})
	if err != nil {
		return nil, e.backendError("consent_grant", err)
	}

	e.metricInc(MetricConsentGranted)
	e.emitAudit(ctx, auditEntry{
		action:   auditConsentGranted,
		actorID:  userID,
		userID:   userID,
		resource: clientID,
		success:  true,
		before:   consentSnapshot(before),
		after:    consentSnapshot(after),
	})
	return after, nil
}

// RevokeConsent withdraws the user's consent for a client and revokes every
// token the client holds for the user. Revoking twice is not an error.
func (e *Engine) RevokeConsent(ctx context.Context, userID, clientID string) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.now().UTC()
	before, after, err := e.consents.Mutate(sctx, userID, clientID, func(cur *model.Consent) (*model.Consent, error) {
		if cur == nil {
			return nil, stores.ErrNotFound
		}
		if cur.RevokedAt.IsZero() {
			cur.RevokedAt = now
		}
		return cur, nil
	})
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return e.backendError("consent_revoke", err)
	}

	n, err := e.tokens.RevokeUserClient(sctx, userID, clientID, now)
	if err != nil {
		return e.backendError("consent_revoke_tokens", err)
	}

	e.metricInc(MetricConsentRevoked)
	e.emitAudit(ctx, auditEntry{
		action:   auditConsentRevoked,
		userID:   userID,
		resource: clientID,
		success:  true,
		before:   consentSnapshot(before),
		after:    consentSnapshot(after),
		metadata: func() map[string]string {
			return map[string]string{"tokens_revoked": itoa(n)}
		},
	})
	return nil
}

// ConsentFor returns the live consent of userID for clientID, or nil when
// none exists or it was revoked.
func (e *Engine) ConsentFor(ctx context.Context, userID, clientID string) (*model.Consent, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.liveConsent(sctx, userID, clientID)
}

func (e *Engine) liveConsent(ctx context.Context, userID, clientID string) (*model.Consent, error) {
	c, err := e.consents.Get(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil
		}
		return nil, e.backendError("consent_get", err)
	}
	if !c.RevokedAt.IsZero() {
		return nil, nil
	}
	return c, nil
}

func consentSnapshot(c *model.Consent) map[string]any {
	if c == nil {
		return nil
	}
	return map[string]any{
		"scope":      model.JoinScope(c.Scope),
		"granted_at": timeOrEmpty(c.GrantedAt),
		"revoked_at": timeOrEmpty(c.RevokedAt),
	}
}
