package goIdP

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/pkce"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/jwt"
	"github.com/MrEthical07/goIdP/model"
	"github.com/MrEthical07/goIdP/password"
	"github.com/google/uuid"
)

// Authorize runs the authorization endpoint for an authenticated user.
//
// Until client_id and redirect_uri are validated, errors are not
// redirectable and must be shown to the user. Later OAuth errors carry
// Redirectable and belong on the client callback.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ClientID == "" {
		return nil, oauthError(OAuthInvalidRequest, "client_id required")
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	c, err := e.loadClient(sctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, oauthError(OAuthInvalidClient, "unknown client")
		}
		return nil, err
	}
	if req.RedirectURI == "" || !c.HasRedirectURI(req.RedirectURI) {
		return nil, oauthError(OAuthInvalidRequest, "redirect_uri not registered")
	}

	if !c.Active() {
		return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthUnauthorizedClient, "client suspended"))
	}
	if req.ResponseType != "code" {
		return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthUnsupportedResponseType, "only response_type=code is supported"))
	}

	scope := model.ParseScope(req.Scope)
	if !model.HasScope(scope, model.ScopeOpenID) {
		return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthInvalidScope, "openid scope required"))
	}
	if !model.ScopeSubset(scope, c.AllowedScopes) {
		return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthInvalidScope, "scope not allowed for client"))
	}

	method := ""
	if req.CodeChallenge != "" {
		if method, err = pkce.NormalizeMethod(req.CodeChallengeMethod); err != nil {
			return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthInvalidRequest, "unsupported code_challenge_method"))
		}
		if !pkce.ValidChallenge(req.CodeChallenge) {
			return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthInvalidRequest, "malformed code_challenge"))
		}
	} else {
		if c.RequirePKCE {
			return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthInvalidRequest, "code_challenge required"))
		}
		if req.CodeChallengeMethod != "" {
			return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthInvalidRequest, "code_challenge_method without code_challenge"))
		}
	}

	u, err := e.loadUser(sctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !u.Active() {
		return nil, ErrAccountDisabled
	}

	if c.RequireApproval {
		p, err := e.permissions.Get(sctx, u.ID, c.ClientID)
		if err != nil && !errors.Is(err, stores.ErrNotFound) {
			return nil, e.backendError("permission_get", err)
		}
		if !p.Approved() {
			return nil, e.authorizeDenied(ctx, req, redirectableError(OAuthAccessDenied, "application access not approved"))
		}
	}

	if !c.Trusted {
		consent, err := e.liveConsent(sctx, u.ID, c.ClientID)
		if err != nil {
			return nil, err
		}
		if !consent.Covers(scope) {
			return &AuthorizeResult{
				ConsentRequired: true,
				ClientID:        c.ClientID,
				ClientName:      c.Name,
				Scope:           scope,
				RedirectURI:     req.RedirectURI,
				State:           req.State,
			}, nil
		}
	}

	raw, err := internal.NewOpaqueToken(internal.OpaqueTokenSize)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	code := &model.AuthorizationCode{
		Code:                raw,
		ClientID:            c.ClientID,
		UserID:              u.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		AuthTime:            authTime.UTC(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.config.OAuth.CodeTTL),
	}
	if err := e.codes.Save(sctx, code, now); err != nil {
		return nil, e.backendError("code_save", err)
	}

	e.metricInc(MetricCodeIssued)
	e.emitAudit(ctx, auditEntry{
		action:   auditCodeIssued,
		actorID:  u.ID,
		userID:   u.ID,
		resource: c.ClientID,
		success:  true,
		metadata: func() map[string]string {
			return map[string]string{"scope": model.JoinScope(scope), "pkce": method}
		},
	})
	return &AuthorizeResult{
		ClientID:    c.ClientID,
		ClientName:  c.Name,
		Scope:       scope,
		Code:        raw,
		RedirectURI: req.RedirectURI,
		State:       req.State,
		ExpiresAt:   code.ExpiresAt,
	}, nil
}

func (e *Engine) authorizeDenied(ctx context.Context, req AuthorizeRequest, oerr *OAuthError) error {
	e.emitAudit(ctx, auditEntry{
		action:   auditAuthorizeDenied,
		userID:   req.UserID,
		resource: req.ClientID,
		err:      oerr,
		metadata: func() map[string]string {
			return map[string]string{"error": oerr.Code, "reason": oerr.Description}
		},
	})
	return oerr
}

// Token serves the token endpoint.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case model.GrantAuthorizationCode:
		return e.ExchangeCode(ctx, req)
	case model.GrantRefreshToken:
		return e.Refresh(ctx, req)
	case "":
		return nil, oauthError(OAuthInvalidRequest, "grant_type required")
	default:
		return nil, oauthError(OAuthUnsupportedGrantType, "")
	}
}

// AuthenticateClient checks client credentials. Public clients authenticate
// with their client_id alone.
func (e *Engine) AuthenticateClient(ctx context.Context, clientID, secret string) (*model.OAuthClient, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.authenticateClient(sctx, clientID, secret)
}

func (e *Engine) authenticateClient(ctx context.Context, clientID, secret string) (*model.OAuthClient, error) {
	if clientID == "" {
		return nil, oauthError(OAuthInvalidClient, "client authentication required")
	}
	c, err := e.loadClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, oauthError(OAuthInvalidClient, "client authentication failed")
		}
		return nil, err
	}
	if !c.Public() {
		if secret == "" {
			return nil, oauthError(OAuthInvalidClient, "client authentication failed")
		}
		if err := e.secrets.Compare(c.ClientSecretHash, secret); err != nil {
			if !errors.Is(err, password.ErrSecretMismatch) {
				e.logger.Error().Err(err).Str("client_id", clientID).Msg("client secret compare failed")
			}
			return nil, oauthError(OAuthInvalidClient, "client authentication failed")
		}
	}
	if !c.Active() {
		return nil, oauthError(OAuthUnauthorizedClient, "client suspended")
	}
	return c, nil
}

// ExchangeCode redeems an authorization code. A code is accepted once; a
// second redemption fails with invalid_grant and revokes every token minted
// from the first.
func (e *Engine) ExchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	c, err := e.authenticateClient(sctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !c.AllowsGrant(model.GrantAuthorizationCode) {
		return nil, oauthError(OAuthUnauthorizedClient, "grant type not allowed")
	}
	if req.Code == "" || req.RedirectURI == "" {
		return nil, oauthError(OAuthInvalidRequest, "code and redirect_uri required")
	}

	now := e.now().UTC()
	code, err := e.codes.Get(sctx, req.Code)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.exchangeRejected(ctx, c.ClientID, "", "unknown_code")
		}
		return nil, e.backendError("code_get", err)
	}
	if !code.UsedAt.IsZero() {
		return nil, e.codeReplayed(ctx, req.Code, code, now)
	}
	if code.ClientID != c.ClientID {
		return nil, e.exchangeRejected(ctx, c.ClientID, code.UserID, "client_mismatch")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, e.exchangeRejected(ctx, c.ClientID, code.UserID, "redirect_mismatch")
	}
	if !now.Before(code.ExpiresAt) {
		return nil, e.exchangeRejected(ctx, c.ClientID, code.UserID, "expired")
	}
	if c.RequirePKCE && code.CodeChallenge == "" {
		return nil, e.exchangeRejected(ctx, c.ClientID, code.UserID, "pkce_missing")
	}
	if err := pkce.Verify(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		return nil, e.exchangeRejected(ctx, c.ClientID, code.UserID, "pkce_"+pkceReason(err))
	}

	if _, err := e.codes.Consume(sctx, req.Code, now); err != nil {
		switch {
		case errors.Is(err, stores.ErrAlreadyUsed):
			return nil, e.codeReplayed(ctx, req.Code, code, now)
		case isRecordStateError(err):
			return nil, e.exchangeRejected(ctx, c.ClientID, code.UserID, "consume_"+err.Error())
		default:
			return nil, e.backendError("code_consume", err)
		}
	}

	u, err := e.users.GetByID(sctx, code.UserID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.exchangeRejected(ctx, c.ClientID, code.UserID, "user_missing")
		}
		return nil, e.backendError("user_get", err)
	}
	if !u.Active() {
		return nil, e.exchangeRejected(ctx, c.ClientID, u.ID, "account_disabled")
	}

	resp, err := e.issueTokens(sctx, tokenGrant{
		client:       c,
		user:         u,
		scope:        code.Scope,
		refreshScope: code.Scope,
		grantID:      stores.CodeID(req.Code),
		nonce:        code.Nonce,
		authTime:     code.AuthTime,
		now:          now,
	})
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEntry{
		action:   auditCodeExchanged,
		actorID:  c.ClientID,
		userID:   u.ID,
		resource: c.ClientID,
		success:  true,
		metadata: func() map[string]string {
			return map[string]string{"scope": resp.Scope, "refresh": boolString(resp.RefreshToken != "")}
		},
	})
	return resp, nil
}

func (e *Engine) codeReplayed(ctx context.Context, raw string, code *model.AuthorizationCode, now time.Time) error {
	e.metricInc(MetricCodeReplay)

	revoked, err := e.tokens.RevokeGrant(context.WithoutCancel(ctx), stores.CodeID(raw), now)
	if err != nil {
		e.logger.Error().Err(err).Str("client_id", code.ClientID).Msg("revoke tokens after code replay failed")
	}
	e.logger.Warn().
		Str("client_id", code.ClientID).
		Str("user_id", code.UserID).
		Int("tokens_revoked", revoked).
		Msg("authorization code replay")

	oerr := oauthError(OAuthInvalidGrant, "authorization code already used")
	e.emitAudit(ctx, auditEntry{
		action:   auditCodeReplay,
		userID:   code.UserID,
		resource: code.ClientID,
		err:      oerr,
		metadata: func() map[string]string {
			return map[string]string{"tokens_revoked": itoa(revoked)}
		},
	})
	return oerr
}

func (e *Engine) exchangeRejected(ctx context.Context, clientID, userID, reason string) error {
	e.metricInc(MetricTokenInvalid)
	oerr := oauthError(OAuthInvalidGrant, "")
	e.emitAudit(ctx, auditEntry{
		action:   auditCodeExchanged,
		actorID:  clientID,
		userID:   userID,
		resource: clientID,
		err:      oerr,
		metadata: func() map[string]string {
			return map[string]string{"reason": reason}
		},
	})
	return oerr
}

func pkceReason(err error) string {
	switch {
	case errors.Is(err, pkce.ErrVerifierRequired):
		return "verifier_missing"
	case errors.Is(err, pkce.ErrVerifierFormat):
		return "verifier_format"
	case errors.Is(err, pkce.ErrUnsupported):
		return "unsupported_method"
	default:
		return "mismatch"
	}
}

// Refresh rotates a refresh token. The presented token is retired
// atomically; presenting it again revokes the whole grant.
func (e *Engine) Refresh(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	c, err := e.authenticateClient(sctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !c.AllowsGrant(model.GrantRefreshToken) {
		return nil, oauthError(OAuthUnauthorizedClient, "grant type not allowed")
	}
	if req.RefreshToken == "" {
		return nil, oauthError(OAuthInvalidRequest, "refresh_token required")
	}

	jti, secret, ok := internal.SplitSecretToken(req.RefreshToken)
	if !ok {
		return nil, e.refreshRejected(ctx, c.ClientID, "", "malformed")
	}

	now := e.now().UTC()
	tok, err := e.tokens.Get(sctx, model.TokenRefresh, jti)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.refreshRejected(ctx, c.ClientID, "", "unknown_token")
		}
		return nil, e.backendError("refresh_get", err)
	}
	if !internal.EqualHash(internal.HashSecret(secret), tok.SecretHash) {
		return nil, e.refreshRejected(ctx, c.ClientID, tok.UserID, "secret_mismatch")
	}
	if tok.ClientID != c.ClientID {
		return nil, e.refreshRejected(ctx, c.ClientID, tok.UserID, "client_mismatch")
	}
	if !tok.UsedAt.IsZero() {
		return nil, e.refreshReused(ctx, tok, now)
	}
	if !tok.RevokedAt.IsZero() {
		return nil, e.refreshRejected(ctx, c.ClientID, tok.UserID, "revoked")
	}
	if !now.Before(tok.ExpiresAt) {
		return nil, e.refreshRejected(ctx, c.ClientID, tok.UserID, "expired")
	}

	scope := tok.Scope
	if req.Scope != "" {
		scope = model.ParseScope(req.Scope)
		if !model.ScopeSubset(scope, tok.Scope) {
			return nil, oauthError(OAuthInvalidScope, "scope exceeds original grant")
		}
	}

	if _, err := e.tokens.ConsumeRefresh(sctx, jti, now); err != nil {
		switch {
		case errors.Is(err, stores.ErrAlreadyUsed):
			return nil, e.refreshReused(ctx, tok, now)
		case isRecordStateError(err):
			return nil, e.refreshRejected(ctx, c.ClientID, tok.UserID, "consume_"+err.Error())
		default:
			return nil, e.backendError("refresh_consume", err)
		}
	}

	u, err := e.users.GetByID(sctx, tok.UserID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, e.refreshRejected(ctx, c.ClientID, tok.UserID, "user_missing")
		}
		return nil, e.backendError("user_get", err)
	}
	if !u.Active() {
		return nil, e.refreshRejected(ctx, c.ClientID, u.ID, "account_disabled")
	}

	resp, err := e.issueTokens(sctx, tokenGrant{
		client:       c,
		user:         u,
		scope:        scope,
		refreshScope: tok.Scope,
		grantID:      tok.GrantID,
		now:          now,
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshRotated)
	e.emitAudit(ctx, auditEntry{
		action:   auditTokenRefreshed,
		actorID:  c.ClientID,
		userID:   u.ID,
		resource: tok.JTI,
		success:  true,
	})
	return resp, nil
}

func (e *Engine) refreshReused(ctx context.Context, tok *model.Token, now time.Time) error {
	revoked := 0
	if tok.GrantID != "" {
		var err error
		revoked, err = e.tokens.RevokeGrant(context.WithoutCancel(ctx), tok.GrantID, now)
		if err != nil {
			e.logger.Error().Err(err).Str("client_id", tok.ClientID).Msg("revoke grant after refresh reuse failed")
		}
	}
	e.logger.Warn().
		Str("client_id", tok.ClientID).
		Str("user_id", tok.UserID).
		Int("tokens_revoked", revoked).
		Msg("refresh token reuse")
	return e.refreshRejected(ctx, tok.ClientID, tok.UserID, "reuse")
}

func (e *Engine) refreshRejected(ctx context.Context, clientID, userID, reason string) error {
	e.metricInc(MetricRefreshFailure)
	oerr := oauthError(OAuthInvalidGrant, "")
	e.emitAudit(ctx, auditEntry{
		action:   auditRefreshRejected,
		actorID:  clientID,
		userID:   userID,
		resource: clientID,
		err:      oerr,
		metadata: func() map[string]string {
			return map[string]string{"reason": reason}
		},
	})
	return oerr
}

type tokenGrant struct {
	client       *model.OAuthClient
	user         *model.User
	scope        []string
	refreshScope []string
	grantID      string
	nonce        string
	authTime     time.Time
	now          time.Time
}

// issueTokens mints the access token, the ID token when openid is granted,
// and a refresh token when offline_access is granted to a client allowed
// to refresh.
func (e *Engine) issueTokens(ctx context.Context, g tokenGrant) (*TokenResponse, error) {
	access, accessToken, err := e.newToken(model.TokenAccess, g, g.scope, e.config.OAuth.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	if err := e.tokens.Save(ctx, access, g.now); err != nil {
		return nil, e.backendError("token_save", err)
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.config.OAuth.AccessTokenTTL / time.Second),
		Scope:       model.JoinScope(g.scope),
	}

	if model.HasScope(g.scope, model.ScopeOpenID) {
		resp.IDToken, err = e.idTokens.CreateID(jwt.IDTokenInput{
			Subject:        g.user.ID,
			Audience:       g.client.ClientID,
			JTI:            uuid.NewString(),
			Nonce:          g.nonce,
			AuthTime:       g.authTime,
			IssuedAt:       g.now,
			IncludeEmail:   model.HasScope(g.scope, model.ScopeEmail),
			Email:          g.user.Email,
			EmailVerified:  g.user.EmailVerified,
			IncludeProfile: model.HasScope(g.scope, model.ScopeProfile),
			Name:           g.user.Name,
		})
		if err != nil {
			return nil, err
		}
	}

	if model.HasScope(g.refreshScope, model.ScopeOfflineAccess) && g.client.AllowsGrant(model.GrantRefreshToken) {
		refresh, refreshToken, err := e.newToken(model.TokenRefresh, g, g.refreshScope, e.config.OAuth.RefreshTokenTTL)
		if err != nil {
			return nil, err
		}
		if err := e.tokens.Save(ctx, refresh, g.now); err != nil {
			return nil, e.backendError("token_save", err)
		}
		resp.RefreshToken = refreshToken
	}

	e.metricInc(MetricTokenIssued)
	return resp, nil
}

func (e *Engine) newToken(kind model.TokenKind, g tokenGrant, scope []string, ttl time.Duration) (*model.Token, string, error) {
	secret, err := internal.NewSecret()
	if err != nil {
		return nil, "", err
	}
	tok := &model.Token{
		JTI:        uuid.NewString(),
		Kind:       kind,
		SecretHash: internal.HashSecret(secret),
		UserID:     g.user.ID,
		ClientID:   g.client.ClientID,
		Scope:      scope,
		GrantID:    g.grantID,
		IssuedAt:   g.now,
		ExpiresAt:  g.now.Add(ttl),
	}
	return tok, internal.JoinSecretToken(tok.JTI, secret), nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
