package goIdP

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/model"
	"github.com/MrEthical07/goIdP/session"
)

// CreateSession issues a session for an active user and returns the opaque
// token. Only its SHA-256 is stored.
func (e *Engine) CreateSession(ctx context.Context, userID string, meta SessionMetadata) (string, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	u, err := e.users.GetByID(sctx, userID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return "", ErrUserNotFound
		}
		return "", e.backendError("session_user", err)
	}
	if !u.Active() {
		return "", ErrAccountDisabled
	}

	token, _, err := e.issueSession(ctx, u.ID, meta)
	return token, err
}

func (e *Engine) issueSession(ctx context.Context, userID string, meta SessionMetadata) (string, time.Time, error) {
	token, err := internal.NewOpaqueToken(internal.OpaqueTokenSize)
	if err != nil {
		return "", time.Time{}, err
	}

	now := e.now().UTC()
	sess := &session.Session{
		TokenHash:         session.HashToken(token),
		UserID:            userID,
		DeviceFingerprint: internal.DeviceFingerprint(meta.IP, meta.UserAgent),
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.config.Session.SlidingWindow),
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.sessions.Save(sctx, sess, now); err != nil {
		return "", time.Time{}, e.backendError("session_save", err)
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEntry{
		action:  auditSessionCreated,
		userID:  userID,
		meta:    meta,
		success: true,
	})
	return token, sess.ExpiresAt, nil
}

// ValidateSession resolves a session token, sliding its expiry forward.
//
// Every failure is reported as [ErrInvalidSession]; the reason is only
// logged and audited. A fingerprint that differs from the one recorded at
// creation is logged as a warning and does not fail validation.
func (e *Engine) ValidateSession(ctx context.Context, token string, meta SessionMetadata) (*Session, error) {
	start := time.Now()
	defer e.observeLatency(MetricValidateLatency, start)

	if token == "" {
		return nil, e.invalidSession(ctx, "", "empty", meta)
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.now().UTC()
	sess, status, err := e.sessions.Touch(sctx, session.HashToken(token), now,
		e.config.Session.SlidingWindow, e.config.Session.AbsoluteLifetime)
	if err != nil {
		return nil, e.backendError("session_touch", err)
	}
	if status != session.StatusValid {
		userID := ""
		if sess != nil {
			userID = sess.UserID
		}
		return nil, e.invalidSession(ctx, userID, status.String(), meta)
	}

	u, err := e.users.GetByID(sctx, sess.UserID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return nil, e.backendError("session_user", err)
	}
	if u == nil || u.Status != model.UserActive {
		return nil, e.invalidSession(ctx, sess.UserID, "account_inactive", meta)
	}

	if meta.IP != "" || meta.UserAgent != "" {
		fp := internal.DeviceFingerprint(meta.IP, meta.UserAgent)
		if sess.DeviceFingerprint != "" && !internal.EqualHash(fp, sess.DeviceFingerprint) {
			e.metricInc(MetricFingerprintMismatch)
			e.logger.Warn().Str("user_id", sess.UserID).Str("ip", meta.IP).Msg("session fingerprint mismatch")
			e.emitAudit(ctx, auditEntry{
				action:  auditFingerprintMismatch,
				userID:  sess.UserID,
				meta:    meta,
				success: true,
			})
		}
	}

	return sess, nil
}

func (e *Engine) invalidSession(ctx context.Context, userID, reason string, meta SessionMetadata) error {
	e.metricInc(MetricSessionInvalid)
	e.logger.Debug().Str("reason", reason).Str("user_id", userID).Msg("session rejected")
	e.emitAudit(ctx, auditEntry{
		action: auditSessionInvalid,
		userID: userID,
		meta:   meta,
		err:    ErrInvalidSession,
		metadata: func() map[string]string {
			return map[string]string{"reason": reason}
		},
	})
	return ErrInvalidSession
}

// RevokeSession revokes the session behind token. Revoking an unknown or
// already revoked session succeeds.
func (e *Engine) RevokeSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	hash := session.HashToken(token)
	sess, err := e.sessions.Get(sctx, hash)
	if err != nil && !isMissingSession(err) {
		return e.backendError("session_get", err)
	}
	existed, err := e.sessions.Revoke(sctx, hash, e.now().UTC())
	if err != nil {
		return e.backendError("session_revoke", err)
	}
	if !existed {
		return nil
	}

	e.metricInc(MetricSessionRevoked)
	userID := ""
	if sess != nil {
		userID = sess.UserID
	}
	e.emitAudit(ctx, auditEntry{
		action:  auditSessionRevoked,
		userID:  userID,
		success: true,
	})
	return nil
}

// RevokeAllForUser revokes every session of userID and returns how many
// sessions were found.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	n, err := e.sessions.RevokeAllForUser(sctx, userID, e.now().UTC())
	if err != nil {
		return n, e.backendError("session_revoke_all", err)
	}
	e.emitAudit(ctx, auditEntry{
		action:  auditSessionsRevokedAll,
		userID:  userID,
		success: true,
		metadata: func() map[string]string {
			return map[string]string{"count": itoa(n)}
		},
	})
	return n, nil
}

// ListSessions returns the user's live sessions, newest first. Revoked and
// expired sessions awaiting cleanup are omitted.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	all, err := e.sessions.ListForUser(sctx, userID)
	if err != nil {
		return nil, e.backendError("session_list", err)
	}

	now := e.now()
	out := make([]*Session, 0, len(all))
	for _, s := range all {
		if s.RevokedAt.IsZero() && now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	sortSessionsNewestFirst(out)
	return out, nil
}
