package goIdP

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/mail"
	"github.com/MrEthical07/goIdP/model"
	"github.com/MrEthical07/goIdP/password"
	"github.com/google/uuid"
)

// RegisterWithPassword creates a password account. When the email belongs
// to a user who so far signs in only through social providers, the password
// is added to that user instead and the address is told about it, since
// the caller has not proven control of the mailbox. It fails with
// [ErrAccountExists] when the user already has a password.
func (e *Engine) RegisterWithPassword(ctx context.Context, email, pass, name string) (*model.User, error) {
	email = model.NormalizeEmail(email)
	if !model.ValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	hash, err := e.hashPassword(pass)
	if err != nil {
		return nil, err
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	existing, err := e.users.GetByEmail(sctx, email)
	switch {
	case err == nil:
		return e.addPassword(ctx, existing, hash)
	case !errors.Is(err, stores.ErrNotFound):
		return nil, e.backendError("user_lookup", err)
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Status:       model.UserActive,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.users.Create(sctx, u); err != nil {
		if errors.Is(err, stores.ErrEmailTaken) {
			return nil, ErrAccountExists
		}
		return nil, e.backendError("user_create", err)
	}

	e.metricInc(MetricAccountCreated)
	e.emitAudit(ctx, auditEntry{
		action:   auditAccountRegistered,
		userID:   u.ID,
		resource: "user",
		success:  true,
		after:    methodsSnapshot(u.LoginMethods()),
		metadata: func() map[string]string {
			return map[string]string{"method": model.MethodPassword}
		},
	})
	return u, nil
}

// PasswordAddedSubject is the subject of the notice sent when a password is
// attached to an account that had only social logins.
const PasswordAddedSubject = "A password was added to your account"

func (e *Engine) addPassword(ctx context.Context, u *model.User, hash string) (*model.User, error) {
	if u.PasswordHash != "" {
		return nil, ErrAccountExists
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	before, updated, err := e.users.SetPassword(sctx, u.ID, hash, true)
	if err != nil {
		if errors.Is(err, stores.ErrPasswordExists) {
			return nil, ErrAccountExists
		}
		return nil, e.backendError("user_set_password", err)
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditPasswordAdded,
		userID:   u.ID,
		resource: "user",
		success:  true,
		before:   methodsSnapshot(before),
		after:    methodsSnapshot(updated.LoginMethods()),
	})
	e.sendMail(ctx, mail.Message{
		To:      updated.Email,
		Subject: PasswordAddedSubject,
		Text: "A password was just added to your account. If this was not you, " +
			"sign in with your usual provider and reset the password right away.",
	})
	return updated, nil
}

func (e *Engine) hashPassword(pass string) (string, error) {
	hash, err := e.passwords.Hash(pass)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) || errors.Is(err, password.ErrPasswordTooLong) {
			return "", ErrPasswordPolicy
		}
		return "", err
	}
	return hash, nil
}

// dummyPassword is hashed once per engine to give accounts without a
// password something to verify against.
const dummyPassword = "goidp-placeholder-password-for-timing"

// spendVerify runs one password verification against a fixed hash so a
// login for an account without a password costs the same as a wrong one.
func (e *Engine) spendVerify(pass string) {
	if e.dummyHash == nil {
		return
	}
	if hash := e.dummyHash(); hash != "" {
		_, _ = e.passwords.Verify(pass, hash)
	}
}

// LoginWithPassword authenticates with email and password. Unknown emails
// and wrong passwords both return [ErrInvalidCredentials].
//
// The result carries either a session or a step-up challenge.
func (e *Engine) LoginWithPassword(ctx context.Context, email, pass string, meta SessionMetadata) (*LoginResult, error) {
	email = model.NormalizeEmail(email)
	if email == "" || pass == "" {
		return nil, e.loginFailed(ctx, "", email, "empty_credentials", ErrInvalidCredentials, meta)
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	u, err := e.users.GetByEmail(sctx, email)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			e.spendVerify(pass)
			return nil, e.loginFailed(ctx, "", email, "user_not_found", ErrInvalidCredentials, meta)
		}
		return nil, e.backendError("user_lookup", err)
	}
	if u.PasswordHash == "" {
		e.spendVerify(pass)
		return nil, e.loginFailed(ctx, u.ID, email, "no_password", ErrInvalidCredentials, meta)
	}

	ok, err := e.passwords.Verify(pass, u.PasswordHash)
	if err != nil || !ok {
		return nil, e.loginFailed(ctx, u.ID, email, "password_mismatch", ErrInvalidCredentials, meta)
	}
	if !u.Active() {
		return nil, e.loginFailed(ctx, u.ID, email, "account_disabled", ErrAccountDisabled, meta)
	}

	if needsUpgrade, err := e.passwords.NeedsUpgrade(u.PasswordHash); err == nil && needsUpgrade {
		// Rehash is best-effort and must not block a successful login.
		if upgraded, err := e.passwords.Hash(pass); err == nil {
			if _, _, err := e.users.SetPassword(sctx, u.ID, upgraded, false); err != nil {
				e.logger.Warn().Err(err).Str("user_id", u.ID).Msg("password hash upgrade failed")
			}
		}
	}

	return e.completeLogin(ctx, u, model.MethodPassword, meta)
}

// LoginWithProvider signs in with an identity asserted by a social provider.
//
// An already linked identity resolves to its user. Otherwise a verified
// identity whose email matches an existing user is linked onto that user,
// and an unknown email creates a new user.
func (e *Engine) LoginWithProvider(ctx context.Context, id ProviderIdentity, meta SessionMetadata) (*LoginResult, error) {
	id, err := normalizeIdentity(id)
	if err != nil {
		return nil, err
	}

	u, err := e.resolveProviderUser(ctx, id, meta)
	if err != nil {
		return nil, err
	}
	if !u.Active() {
		return nil, e.loginFailed(ctx, u.ID, id.Email, "account_disabled", ErrAccountDisabled, meta)
	}

	if id.EmailVerified && !u.EmailVerified {
		sctx, cancel := e.storeContext(ctx)
		if err := e.users.MarkEmailVerified(sctx, u.ID); err != nil {
			e.logger.Warn().Err(err).Str("user_id", u.ID).Msg("mark email verified failed")
		}
		cancel()
	}

	return e.completeLogin(ctx, u, id.Provider, meta)
}

func (e *Engine) resolveProviderUser(ctx context.Context, id ProviderIdentity, meta SessionMetadata) (*model.User, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	// Two passes: a concurrent first login of the same identity makes the
	// losing writer fall back to the lookup.
	for attempt := 0; attempt < 2; attempt++ {
		u, err := e.users.GetByProvider(sctx, id.Provider, id.ProviderID)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, stores.ErrNotFound) {
			return nil, e.backendError("user_lookup", err)
		}

		u, err = e.users.GetByEmail(sctx, id.Email)
		switch {
		case err == nil:
			if !id.EmailVerified {
				return nil, e.loginFailed(ctx, u.ID, id.Email, "unverified_provider_email", ErrAccountExists, meta)
			}
			before, linked, err := e.users.LinkProvider(sctx, u.ID, id.Provider, e.linkedProvider(id))
			if errors.Is(err, stores.ErrProviderLinked) {
				continue
			}
			if err != nil {
				return nil, e.backendError("user_link", err)
			}
			e.metricInc(MetricProviderLinked)
			e.emitAudit(ctx, auditEntry{
				action:   auditProviderAutoLinked,
				actorID:  linked.ID,
				userID:   linked.ID,
				resource: id.Provider,
				meta:     meta,
				success:  true,
				before:   methodsSnapshot(before),
				after:    methodsSnapshot(linked.LoginMethods()),
			})
			return linked, nil
		case !errors.Is(err, stores.ErrNotFound):
			return nil, e.backendError("user_lookup", err)
		}

		u = &model.User{
			ID:              uuid.NewString(),
			Email:           id.Email,
			Name:            id.Name,
			SocialProviders: map[string]model.LinkedProvider{id.Provider: e.linkedProvider(id)},
			EmailVerified:   id.EmailVerified,
			Status:          model.UserActive,
			CreatedAt:       e.now().UTC(),
		}
		err = e.users.Create(sctx, u)
		if errors.Is(err, stores.ErrEmailTaken) || errors.Is(err, stores.ErrProviderLinked) {
			continue
		}
		if err != nil {
			return nil, e.backendError("user_create", err)
		}
		e.metricInc(MetricAccountCreated)
		e.emitAudit(ctx, auditEntry{
			action:   auditAccountRegistered,
			userID:   u.ID,
			resource: "user",
			meta:     meta,
			success:  true,
			after:    methodsSnapshot(u.LoginMethods()),
			metadata: func() map[string]string {
				return map[string]string{"method": id.Provider}
			},
		})
		return u, nil
	}
	return nil, e.backendError("user_resolve", stores.ErrContention)
}

func (e *Engine) linkedProvider(id ProviderIdentity) model.LinkedProvider {
	return model.LinkedProvider{
		ProviderID: id.ProviderID,
		Email:      id.Email,
		Name:       id.Name,
		LinkedAt:   e.now().UTC(),
	}
}

func normalizeIdentity(id ProviderIdentity) (ProviderIdentity, error) {
	id.Provider = strings.ToLower(strings.TrimSpace(id.Provider))
	id.ProviderID = strings.TrimSpace(id.ProviderID)
	id.Email = model.NormalizeEmail(id.Email)
	id.Name = strings.TrimSpace(id.Name)
	if id.Provider == "" || id.ProviderID == "" || id.Provider == model.MethodPassword ||
		strings.ContainsAny(id.Provider, ": ") {
		return id, ErrInvalidInput
	}
	if !model.ValidEmail(id.Email) {
		return id, ErrInvalidEmail
	}
	return id, nil
}

func (e *Engine) loginFailed(ctx context.Context, userID, email, reason string, err error, meta SessionMetadata) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEntry{
		action: auditLoginFailure,
		userID: userID,
		meta:   meta,
		err:    err,
		metadata: func() map[string]string {
			return map[string]string{"identifier": email, "reason": reason}
		},
	})
	return err
}
