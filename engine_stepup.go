package goIdP

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/mail"
	"github.com/MrEthical07/goIdP/model"
	"github.com/google/uuid"
)

const (
	stepUpPINDigits  = 6
	stepUpSettingKey = "step_up_enabled"
)

// StepUpInput describes a login that passed primary authentication.
type StepUpInput struct {
	UserID     string
	Email      string
	Method     string
	LoginCount int64
	Metadata   SessionMetadata
}

// StepUpPolicy decides whether a login must be confirmed with an emailed
// PIN before a session is issued.
type StepUpPolicy interface {
	RequireStepUp(ctx context.Context, in StepUpInput) (bool, error)
}

// StepUpToggle reports whether step-up is switched on. [Engine] implements
// it with a Redis-backed flag.
type StepUpToggle interface {
	StepUpEnabled(ctx context.Context) (bool, error)
}

// WindowPolicy requires step-up for a random share of logins whose count
// falls within [MinLogin, MaxLogin].
type WindowPolicy struct {
	MinLogin    int64
	MaxLogin    int64
	Probability float64
	// Toggle gates the policy. A nil Toggle means always on.
	Toggle StepUpToggle
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// RequireStepUp implements [StepUpPolicy].
func (p *WindowPolicy) RequireStepUp(ctx context.Context, in StepUpInput) (bool, error) {
	if p.Toggle != nil {
		on, err := p.Toggle.StepUpEnabled(ctx)
		if err != nil {
			return false, err
		}
		if !on {
			return false, nil
		}
	}
	if in.LoginCount < p.MinLogin || in.LoginCount > p.MaxLogin {
		return false, nil
	}
	switch {
	case p.Probability <= 0:
		return false, nil
	case p.Probability >= 1:
		return true, nil
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return r() < p.Probability, nil
}

// StepUpEnabled reports the runtime step-up flag, falling back to
// StepUp.Enabled until an operator sets it.
func (e *Engine) StepUpEnabled(ctx context.Context) (bool, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	on, err := e.settings.Bool(sctx, stepUpSettingKey, e.config.StepUp.Enabled)
	if err != nil {
		return false, e.backendError("step_up_flag", err)
	}
	return on, nil
}

// SetStepUpEnabled flips the runtime step-up flag. Enabling requires
// StepUp.Secret.
func (e *Engine) SetStepUpEnabled(ctx context.Context, enabled bool) error {
	if enabled && len(e.config.StepUp.Secret) == 0 {
		return ErrFeatureDisabled
	}
	before, err := e.StepUpEnabled(ctx)
	if err != nil {
		return err
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.settings.SetBool(sctx, stepUpSettingKey, enabled); err != nil {
		return e.backendError("step_up_flag", err)
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditStepUpToggled,
		resource: stepUpSettingKey,
		success:  true,
		before:   map[string]any{"enabled": before},
		after:    map[string]any{"enabled": enabled},
	})
	return nil
}

// completeLogin runs after primary authentication: it counts the login,
// applies the step-up policy and either issues a session or a challenge.
func (e *Engine) completeLogin(ctx context.Context, u *model.User, method string, meta SessionMetadata) (*LoginResult, error) {
	sctx, cancel := e.storeContext(ctx)
	count, err := e.users.IncrementLoginCount(sctx, u.ID)
	cancel()
	if err != nil {
		return nil, e.backendError("login_count", err)
	}

	required, err := e.stepUp.RequireStepUp(ctx, StepUpInput{
		UserID:     u.ID,
		Email:      u.Email,
		Method:     method,
		LoginCount: count,
		Metadata:   meta,
	})
	if err != nil {
		return nil, e.backendError("step_up_policy", err)
	}
	if required {
		return e.startStepUp(ctx, u, method, meta)
	}

	token, expiresAt, err := e.issueSession(ctx, u.ID, meta)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEntry{
		action:  auditLoginSuccess,
		userID:  u.ID,
		meta:    meta,
		success: true,
		metadata: func() map[string]string {
			return map[string]string{"method": method, "login_count": strconv.FormatInt(count, 10)}
		},
	})
	return &LoginResult{UserID: u.ID, SessionToken: token, SessionExpiresAt: expiresAt}, nil
}

func (e *Engine) startStepUp(ctx context.Context, u *model.User, method string, meta SessionMetadata) (*LoginResult, error) {
	if len(e.config.StepUp.Secret) == 0 {
		e.logger.Error().Str("user_id", u.ID).Msg("step-up required but no StepUp.Secret configured")
		return nil, ErrEngineNotReady
	}

	pin, err := internal.NewOTP(stepUpPINDigits)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	ch := &model.PINChallenge{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Method:    method,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.config.StepUp.PINTTL),
	}
	ch.PINHash = e.pinHash(ch.ID, pin)

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.pins.Save(sctx, ch, now); err != nil {
		return nil, e.backendError("pin_save", err)
	}

	e.sendMail(ctx, mail.Message{
		To:      u.Email,
		Subject: "Your sign-in code",
		Text: "Your sign-in code is " + pin + ". It expires in " +
			e.config.StepUp.PINTTL.String() + ". If you did not try to sign in, change your password.",
	})

	e.metricInc(MetricStepUpRequired)
	e.emitAudit(ctx, auditEntry{
		action:   auditStepUpRequired,
		userID:   u.ID,
		resource: ch.ID,
		meta:     meta,
		success:  true,
		metadata: func() map[string]string {
			return map[string]string{"method": method}
		},
	})
	return &LoginResult{
		UserID:             u.ID,
		StepUpRequired:     true,
		ChallengeID:        ch.ID,
		ChallengeExpiresAt: ch.ExpiresAt,
	}, nil
}

// pinHash binds the PIN to its challenge so equal PINs never share a hash.
func (e *Engine) pinHash(challengeID, pin string) string {
	return internal.KeyedHash(e.config.StepUp.Secret, challengeID+"."+pin)
}

// VerifyStepUpPIN completes a login that was held for step-up. A wrong PIN
// returns [ErrInvalidPIN] until StepUp.MaxAttempts is reached, after which
// the challenge is destroyed. The challenge yields at most one session.
func (e *Engine) VerifyStepUpPIN(ctx context.Context, challengeID, pin string, meta SessionMetadata) (*LoginResult, error) {
	if challengeID == "" {
		return nil, ErrChallengeInvalid
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	now := e.now().UTC()
	ch, err := e.pins.Get(sctx, challengeID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.stepUpFailed(ctx, "", challengeID, "not_found", ErrChallengeInvalid, meta)
		}
		return nil, e.backendError("pin_get", err)
	}
	if !ch.UsedAt.IsZero() {
		return nil, e.stepUpFailed(ctx, ch.UserID, challengeID, "used", ErrChallengeInvalid, meta)
	}
	if !now.Before(ch.ExpiresAt) {
		return nil, e.stepUpFailed(ctx, ch.UserID, challengeID, "expired", ErrChallengeInvalid, meta)
	}

	if len(pin) != stepUpPINDigits || !internal.EqualHash(e.pinHash(ch.ID, pin), ch.PINHash) {
		attempts, err := e.pins.RecordFailure(sctx, ch.ID, e.config.StepUp.MaxAttempts)
		switch {
		case errors.Is(err, stores.ErrAttemptsExceeded), errors.Is(err, stores.ErrNotFound):
			return nil, e.stepUpFailed(ctx, ch.UserID, challengeID, "attempts_exceeded", ErrChallengeInvalid, meta)
		case err != nil:
			return nil, e.backendError("pin_failure", err)
		}
		e.logger.Debug().Str("user_id", ch.UserID).Int("attempts", attempts).Msg("wrong step-up pin")
		return nil, e.stepUpFailed(ctx, ch.UserID, challengeID, "wrong_pin", ErrInvalidPIN, meta)
	}

	if _, err := e.pins.Consume(sctx, ch.ID, now); err != nil {
		if isRecordStateError(err) {
			return nil, e.stepUpFailed(ctx, ch.UserID, challengeID, "consumed", ErrChallengeInvalid, meta)
		}
		return nil, e.backendError("pin_consume", err)
	}

	u, err := e.users.GetByID(sctx, ch.UserID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.stepUpFailed(ctx, ch.UserID, challengeID, "user_missing", ErrChallengeInvalid, meta)
		}
		return nil, e.backendError("pin_user", err)
	}
	if !u.Active() {
		return nil, e.stepUpFailed(ctx, u.ID, challengeID, "account_disabled", ErrAccountDisabled, meta)
	}

	token, expiresAt, err := e.issueSession(ctx, u.ID, meta)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricStepUpSuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEntry{
		action:   auditStepUpSuccess,
		userID:   u.ID,
		resource: challengeID,
		meta:     meta,
		success:  true,
		metadata: func() map[string]string {
			return map[string]string{"method": ch.Method}
		},
	})
	return &LoginResult{UserID: u.ID, SessionToken: token, SessionExpiresAt: expiresAt}, nil
}

func (e *Engine) stepUpFailed(ctx context.Context, userID, challengeID, reason string, err error, meta SessionMetadata) error {
	e.metricInc(MetricStepUpFailure)
	e.emitAudit(ctx, auditEntry{
		action:   auditStepUpFailure,
		userID:   userID,
		resource: challengeID,
		meta:     meta,
		err:      err,
		metadata: func() map[string]string {
			return map[string]string{"reason": reason}
		},
	})
	return err
}

// isRecordStateError reports whether err is a single-use record refusing a
// transition, as opposed to a backend failure.
func isRecordStateError(err error) bool {
	return errors.Is(err, stores.ErrNotFound) ||
		errors.Is(err, stores.ErrAlreadyUsed) ||
		errors.Is(err, stores.ErrExpired) ||
		errors.Is(err, stores.ErrRevoked)
}
