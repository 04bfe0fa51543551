package goIdP

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/mail"
	"github.com/MrEthical07/goIdP/model"
	"github.com/google/uuid"
)

// RequestPasswordReset emails a single-use reset link of the form
// "<id>.<secret>". Unknown and disabled accounts get the same nil result.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if !e.config.PasswordReset.Enabled {
		return ErrFeatureDisabled
	}
	email = model.NormalizeEmail(email)
	if !model.ValidEmail(email) {
		return ErrInvalidEmail
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	u, err := e.users.GetByEmail(sctx, email)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return e.backendError("user_lookup", err)
	}
	if u == nil || !u.Active() {
		e.emitAudit(ctx, auditEntry{
			action: auditPasswordResetRequest,
			metadata: func() map[string]string {
				return map[string]string{"identifier": email, "reason": "no_eligible_account"}
			},
		})
		return nil
	}

	secret, err := internal.NewSecret()
	if err != nil {
		return err
	}
	now := e.now().UTC()
	reset := &model.PasswordReset{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		SecretHash: internal.HashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(e.config.PasswordReset.TTL),
	}
	if err := e.resets.Save(sctx, reset, now); err != nil {
		return e.backendError("reset_save", err)
	}

	target, err := withQuery(e.config.PasswordReset.BaseURL, "token", internal.JoinSecretToken(reset.ID, secret))
	if err != nil {
		return err
	}
	e.sendMail(ctx, mail.Message{
		To:      u.Email,
		Subject: "Reset your password",
		Text:    "Use this link to choose a new password. It works once and expires in " + e.config.PasswordReset.TTL.String() + ".\n\n" + target,
	})

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEntry{
		action:   auditPasswordResetRequest,
		userID:   u.ID,
		resource: reset.ID,
		success:  true,
	})
	return nil
}

// ConfirmPasswordReset sets a new password with a reset token. The token
// is consumed only once the new password passes policy. Success revokes
// every session of the user.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if !e.config.PasswordReset.Enabled {
		return ErrFeatureDisabled
	}
	id, secret, ok := internal.SplitSecretToken(token)
	if !ok {
		return e.resetRejected(ctx, "", "", "malformed", ErrPasswordResetInvalid)
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.now().UTC()
	reset, err := e.resets.Get(sctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return e.resetRejected(ctx, "", id, "not_found", ErrPasswordResetInvalid)
		}
		return e.backendError("reset_get", err)
	}
	if !reset.UsedAt.IsZero() {
		return e.resetRejected(ctx, reset.UserID, id, "used", ErrPasswordResetInvalid)
	}
	if !now.Before(reset.ExpiresAt) {
		return e.resetRejected(ctx, reset.UserID, id, "expired", ErrPasswordResetInvalid)
	}
	if !internal.EqualHash(internal.HashSecret(secret), reset.SecretHash) {
		if _, err := e.resets.RecordFailure(sctx, id, e.config.PasswordReset.MaxAttempts); err != nil &&
			!errors.Is(err, stores.ErrAttemptsExceeded) && !errors.Is(err, stores.ErrNotFound) {
			return e.backendError("reset_failure", err)
		}
		return e.resetRejected(ctx, reset.UserID, id, "secret_mismatch", ErrPasswordResetInvalid)
	}

	hash, err := e.hashPassword(newPassword)
	if err != nil {
		return err
	}

	if _, err := e.resets.Consume(sctx, id, now); err != nil {
		if isRecordStateError(err) {
			return e.resetRejected(ctx, reset.UserID, id, "consumed", ErrPasswordResetInvalid)
		}
		return e.backendError("reset_consume", err)
	}

	before, u, err := e.users.SetPassword(sctx, reset.UserID, hash, false)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return e.resetRejected(ctx, reset.UserID, id, "user_missing", ErrPasswordResetInvalid)
		}
		return e.backendError("reset_set_password", err)
	}
	if !u.EmailVerified {
		if err := e.users.MarkEmailVerified(sctx, u.ID); err != nil {
			e.logger.Warn().Err(err).Str("user_id", u.ID).Msg("mark email verified failed")
		}
	}
	if _, err := e.sessions.RevokeAllForUser(sctx, u.ID, now); err != nil {
		return e.backendError("reset_revoke_sessions", err)
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditEntry{
		action:   auditPasswordResetComplete,
		userID:   u.ID,
		resource: id,
		success:  true,
		before:   methodsSnapshot(before),
		after:    methodsSnapshot(u.LoginMethods()),
	})
	return nil
}

func (e *Engine) resetRejected(ctx context.Context, userID, id, reason string, err error) error {
	e.metricInc(MetricPasswordResetFailure)
	e.emitAudit(ctx, auditEntry{
		action:   auditPasswordResetRejected,
		userID:   userID,
		resource: id,
		err:      err,
		metadata: func() map[string]string {
			return map[string]string{"reason": reason}
		},
	})
	return err
}
