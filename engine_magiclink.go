package goIdP

import (
	"context"
	"errors"
	"net/url"

	"github.com/MrEthical07/goIdP/internal/magiclink"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/mail"
	"github.com/MrEthical07/goIdP/model"
	"github.com/google/uuid"
)

// RequestMagicLink emails a single-use sign-in link. The result is the same
// whether or not the address belongs to an account; only the audit log
// records which case occurred.
func (e *Engine) RequestMagicLink(ctx context.Context, email string) error {
	if e.linkSigner == nil {
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
		reason := "unknown_email"
		if u != nil {
			reason = "account_disabled"
		}
		e.emitAudit(ctx, auditEntry{
			action: auditMagicLinkRequested,
			metadata: func() map[string]string {
				return map[string]string{"identifier": email, "reason": reason}
			},
		})
		return nil
	}

	now := e.now().UTC()
	link := &model.MagicLink{
		JTI:       uuid.NewString(),
		Email:     email,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.config.MagicLink.TTL),
	}
	token, err := e.linkSigner.Sign(magiclink.Claims{
		Email:     email,
		IssuedAt:  link.IssuedAt.Unix(),
		ExpiresAt: link.ExpiresAt.Unix(),
		JTI:       link.JTI,
	})
	if err != nil {
		return err
	}
	if err := e.magicLinks.Save(sctx, link, now); err != nil {
		return e.backendError("magic_link_save", err)
	}

	target, err := withQuery(e.config.MagicLink.BaseURL, "token", token)
	if err != nil {
		return err
	}
	e.sendMail(ctx, mail.Message{
		To:      email,
		Subject: "Your sign-in link",
		Text:    "Use this link to sign in. It works once and expires in " + e.config.MagicLink.TTL.String() + ".\n\n" + target,
	})

	e.metricInc(MetricMagicLinkIssued)
	e.emitAudit(ctx, auditEntry{
		action:   auditMagicLinkRequested,
		userID:   u.ID,
		resource: link.JTI,
		success:  true,
	})
	return nil
}

// RedeemMagicLink verifies a link token and, on its first redemption,
// returns a session. Redeeming a link also proves control of the email.
func (e *Engine) RedeemMagicLink(ctx context.Context, token string, meta SessionMetadata) (*LoginResult, error) {
	if e.linkSigner == nil {
		return nil, ErrFeatureDisabled
	}

	now := e.now().UTC()
	claims, err := e.linkSigner.Verify(token, now)
	if err != nil {
		if errors.Is(err, magiclink.ErrExpired) {
			return nil, e.magicLinkRejected(ctx, "", "", "expired", ErrMagicLinkExpired, meta)
		}
		return nil, e.magicLinkRejected(ctx, "", "", err.Error(), ErrMagicLinkInvalid, meta)
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	link, err := e.magicLinks.Redeem(sctx, claims.JTI, now)
	switch {
	case errors.Is(err, stores.ErrAlreadyUsed):
		return nil, e.magicLinkRejected(ctx, "", claims.JTI, "replay", ErrMagicLinkUsed, meta)
	case errors.Is(err, stores.ErrExpired):
		return nil, e.magicLinkRejected(ctx, "", claims.JTI, "expired", ErrMagicLinkExpired, meta)
	case isRecordStateError(err):
		return nil, e.magicLinkRejected(ctx, "", claims.JTI, "unknown_jti", ErrMagicLinkInvalid, meta)
	case err != nil:
		return nil, e.backendError("magic_link_redeem", err)
	}
	if link.Email != claims.Email {
		return nil, e.magicLinkRejected(ctx, "", claims.JTI, "email_mismatch", ErrMagicLinkInvalid, meta)
	}

	u, err := e.users.GetByEmail(sctx, claims.Email)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.magicLinkRejected(ctx, "", claims.JTI, "user_missing", ErrMagicLinkInvalid, meta)
		}
		return nil, e.backendError("user_lookup", err)
	}
	if !u.Active() {
		return nil, e.magicLinkRejected(ctx, u.ID, claims.JTI, "account_disabled", ErrAccountDisabled, meta)
	}
	if !u.EmailVerified {
		if err := e.users.MarkEmailVerified(sctx, u.ID); err != nil {
			e.logger.Warn().Err(err).Str("user_id", u.ID).Msg("mark email verified failed")
		}
	}
	if _, err := e.users.IncrementLoginCount(sctx, u.ID); err != nil {
		return nil, e.backendError("login_count", err)
	}

	sessionToken, expiresAt, err := e.issueSession(ctx, u.ID, meta)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMagicLinkRedeemed)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEntry{
		action:   auditMagicLinkRedeemed,
		userID:   u.ID,
		resource: claims.JTI,
		meta:     meta,
		success:  true,
	})
	return &LoginResult{UserID: u.ID, SessionToken: sessionToken, SessionExpiresAt: expiresAt}, nil
}

func (e *Engine) magicLinkRejected(ctx context.Context, userID, jti, reason string, err error, meta SessionMetadata) error {
	e.metricInc(MetricMagicLinkRejected)
	e.emitAudit(ctx, auditEntry{
		action:   auditMagicLinkRejected,
		userID:   userID,
		resource: jti,
		meta:     meta,
		err:      err,
		metadata: func() map[string]string {
			return map[string]string{"reason": reason}
		},
	})
	return err
}

func withQuery(base, key, value string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
