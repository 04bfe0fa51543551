package goIdP

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/model"
)

// liveToken resolves a "<jti>.<secret>" token of the given kind. An
// unusable token yields a nil record and the reason; err is reserved for
// backend failures.
func (e *Engine) liveToken(ctx context.Context, kind model.TokenKind, raw string, now time.Time) (*model.Token, string, error) {
	jti, secret, ok := internal.SplitSecretToken(raw)
	if !ok {
		return nil, "malformed", nil
	}
	tok, err := e.tokens.Get(ctx, kind, jti)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, "not_found", nil
		}
		return nil, "", e.backendError("token_get", err)
	}
	switch {
	case !internal.EqualHash(internal.HashSecret(secret), tok.SecretHash):
		return nil, "secret_mismatch", nil
	case !tok.RevokedAt.IsZero():
		return nil, "revoked", nil
	case !tok.UsedAt.IsZero():
		return nil, "rotated", nil
	case !now.Before(tok.ExpiresAt):
		return nil, "expired", nil
	}

	u, err := e.users.GetByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, "user_missing", nil
		}
		return nil, "", e.backendError("user_get", err)
	}
	if !u.Active() {
		return nil, "account_disabled", nil
	}
	c, err := e.clients.Get(ctx, tok.ClientID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, "client_missing", nil
		}
		return nil, "", e.backendError("client_get", err)
	}
	if !c.Active() {
		return nil, "client_suspended", nil
	}
	return tok, "", nil
}

// VerifyAccessToken resolves a bearer token. Every unusable token is
// reported as ErrTokenInvalid.
func (e *Engine) VerifyAccessToken(ctx context.Context, token string) (*AccessTokenInfo, error) {
	defer e.observeLatency(MetricTokenVerifyLatency, time.Now())

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	tok, reason, err := e.liveToken(sctx, model.TokenAccess, token, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if tok == nil {
		e.metricInc(MetricTokenInvalid)
		e.logger.Debug().Str("reason", reason).Msg("access token rejected")
		return nil, ErrTokenInvalid
	}
	return &AccessTokenInfo{
		JTI:       tok.JTI,
		UserID:    tok.UserID,
		ClientID:  tok.ClientID,
		Scope:     tok.Scope,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// Revoke implements RFC 7009. Unknown and already revoked tokens succeed.
// When clientID is set, tokens issued to another client are left alone.
// Revoking a refresh token revokes its whole grant.
func (e *Engine) Revoke(ctx context.Context, token, clientID string) error {
	jti, secret, ok := internal.SplitSecretToken(token)
	if !ok {
		return nil
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.now().UTC()
	for _, kind := range []model.TokenKind{model.TokenAccess, model.TokenRefresh} {
		tok, err := e.tokens.Get(sctx, kind, jti)
		if errors.Is(err, stores.ErrNotFound) {
			continue
		}
		if err != nil {
			return e.backendError("token_get", err)
		}
		if !internal.EqualHash(internal.HashSecret(secret), tok.SecretHash) {
			return nil
		}
		if clientID != "" && tok.ClientID != clientID {
			e.logger.Warn().Str("client_id", clientID).Str("owner", tok.ClientID).Msg("revocation of foreign token ignored")
			return nil
		}

		revoked := 0
		if kind == model.TokenRefresh && tok.GrantID != "" {
			revoked, err = e.tokens.RevokeGrant(sctx, tok.GrantID, now)
		} else {
			var existed bool
			existed, err = e.tokens.Revoke(sctx, kind, jti, now)
			if existed {
				revoked = 1
			}
		}
		if err != nil {
			return e.backendError("token_revoke", err)
		}

		e.metricInc(MetricTokenRevoked)
		e.emitAudit(ctx, auditEntry{
			action:   auditTokenRevoked,
			actorID:  clientID,
			userID:   tok.UserID,
			resource: tok.JTI,
			success:  true,
			metadata: func() map[string]string {
				return map[string]string{"kind": string(kind), "tokens_revoked": itoa(revoked)}
			},
		})
		return nil
	}
	return nil
}

// UserInfo returns the claims an access token may see: the subject always,
// email claims only with the email scope, the name only with profile.
func (e *Engine) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	info, err := e.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !model.HasScope(info.Scope, model.ScopeOpenID) {
		return nil, ErrPermissionDenied
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	u, err := e.loadUser(sctx, info.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	out := &UserInfo{Subject: u.ID}
	if model.HasScope(info.Scope, model.ScopeEmail) {
		verified := u.EmailVerified
		out.Email = u.Email
		out.EmailVerified = &verified
	}
	if model.HasScope(info.Scope, model.ScopeProfile) {
		out.Name = u.Name
	}
	return out, nil
}

// Introspect implements RFC 7662 for access and refresh tokens. Anything
// unusable, including tokens of another client when clientID is set, is
// reported as inactive.
func (e *Engine) Introspect(ctx context.Context, token, clientID string) (*Introspection, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.now().UTC()
	for _, kind := range []model.TokenKind{model.TokenAccess, model.TokenRefresh} {
		tok, _, err := e.liveToken(sctx, kind, token, now)
		if err != nil {
			return nil, err
		}
		if tok == nil {
			continue
		}
		if clientID != "" && tok.ClientID != clientID {
			break
		}
		tokenType := "Bearer"
		if kind == model.TokenRefresh {
			tokenType = "refresh_token"
		}
		return &Introspection{
			Active:    true,
			Scope:     model.JoinScope(tok.Scope),
			ClientID:  tok.ClientID,
			Subject:   tok.UserID,
			TokenType: tokenType,
			ExpiresAt: tok.ExpiresAt.Unix(),
			IssuedAt:  tok.IssuedAt.Unix(),
		}, nil
	}
	return &Introspection{Active: false}, nil
}
