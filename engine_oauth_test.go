package goIdP_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal/testutil"
	"github.com/MrEthical07/goIdP/model"
)

func TestAuthorizationCodeFlow(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "ann@example.test")
	registerClient(t, env, "app", trusted)

	code := authorize(t, env, "app", u.ID, "openid email offline_access")
	tok, err := exchange(ctx, env, "app", code)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.AccessToken == "" || tok.IDToken == "" || tok.RefreshToken == "" {
		t.Fatalf("incomplete token response %+v", tok)
	}
	if tok.Scope != "openid email offline_access" {
		t.Fatalf("unexpected scope %q", tok.Scope)
	}

	info, err := env.Engine.VerifyAccessToken(ctx, tok.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if info.UserID != u.ID || info.ClientID != "app" {
		t.Fatalf("unexpected token info %+v", info)
	}
}

func TestVerifyAccessTokenRecordsLatency(t *testing.T) {
	env := testutil.NewEngine(t, func(c *goIdP.Config) { c.Metrics.EnableLatencyHistograms = true })
	u := registerUser(t, env, "lat@example.test")
	registerClient(t, env, "app", trusted)
	tok := tokensFor(t, env, "app", u.ID, "openid")

	for i := 0; i < 3; i++ {
		if _, err := env.Engine.VerifyAccessToken(context.Background(), tok.AccessToken); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}

	var total uint64
	for _, n := range env.Engine.MetricsSnapshot().Histograms[goIdP.MetricTokenVerifyLatency] {
		total += n
	}
	if total != 3 {
		t.Fatalf("expected 3 observations, got %d", total)
	}
}

func TestCodeReplayRevokesIssuedTokens(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "ben@example.test")
	registerClient(t, env, "app", trusted)

	code := authorize(t, env, "app", u.ID, "openid offline_access")
	tok, err := exchange(ctx, env, "app", code)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	if _, err := exchange(ctx, env, "app", code); !errors.Is(err, goIdP.ErrOAuthInvalidGrant) {
		t.Fatalf("expected invalid_grant on replay, got %v", err)
	}
	if _, err := env.Engine.VerifyAccessToken(ctx, tok.AccessToken); !errors.Is(err, goIdP.ErrTokenInvalid) {
		t.Fatalf("access token of a replayed code must die, got %v", err)
	}
	if _, err := refresh(env, "app", tok.RefreshToken); !errors.Is(err, goIdP.ErrOAuthInvalidGrant) {
		t.Fatalf("refresh token of a replayed code must die, got %v", err)
	}
	if got := metric(env, goIdP.MetricCodeReplay); got != 1 {
		t.Fatalf("expected one replay, got %d", got)
	}
}

func TestConcurrentCodeExchangeHasOneWinner(t *testing.T) {
	env := testutil.NewEngine(t)
	u := registerUser(t, env, "cy@example.test")
	registerClient(t, env, "app", trusted)
	code := authorize(t, env, "app", u.ID, "openid")

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exchange(context.Background(), env, "app", code); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful exchange, got %d", wins)
	}
}

func TestCodeFlowWithoutPKCE(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "noa@example.test")
	registerClient(t, env, "legacy", trusted, func(r *goIdP.ClientRegistration) {
		pkceOff := false
		r.RequirePKCE = &pkceOff
	})

	res, err := env.Engine.Authorize(ctx, goIdP.AuthorizeRequest{
		ResponseType: "code",
		ClientID:     "legacy",
		RedirectURI:  testRedirectURI,
		Scope:        "openid profile",
		State:        "st",
		UserID:       u.ID,
		AuthTime:     env.Clock.Now(),
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	code := issuedCode{code: res.Code}

	tok, err := exchange(ctx, env, "legacy", code)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if tok.AccessToken == "" || tok.IDToken == "" {
		t.Fatalf("incomplete token response %+v", tok)
	}
	if _, err := exchange(ctx, env, "legacy", code); !errors.Is(err, goIdP.ErrOAuthInvalidGrant) {
		t.Fatalf("expected invalid_grant on the second exchange, got %v", err)
	}
}

func TestCodeExchangeRejections(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "dee@example.test")
	registerClient(t, env, "app", trusted)
	registerClient(t, env, "other", trusted)

	tests := []struct {
		name   string
		mutate func(*goIdP.TokenRequest)
		want   error
	}{
		{"wrong verifier", func(r *goIdP.TokenRequest) { r.CodeVerifier = "wrong-verifier-wrong-verifier-wrong-verifier-0" }, goIdP.ErrOAuthInvalidGrant},
		{"missing verifier", func(r *goIdP.TokenRequest) { r.CodeVerifier = "" }, goIdP.ErrOAuthInvalidGrant},
		{"wrong redirect", func(r *goIdP.TokenRequest) { r.RedirectURI = "https://client.example.test/other" }, goIdP.ErrOAuthInvalidGrant},
		{"other client", func(r *goIdP.TokenRequest) { r.ClientID = "other" }, goIdP.ErrOAuthInvalidGrant},
		{"unknown client", func(r *goIdP.TokenRequest) { r.ClientID = "nobody" }, goIdP.ErrOAuthInvalidClient},
		{"unknown code", func(r *goIdP.TokenRequest) { r.Code = "nope" }, goIdP.ErrOAuthInvalidGrant},
		{"bad grant type", func(r *goIdP.TokenRequest) { r.GrantType = "password" }, goIdP.ErrOAuthUnsupportedGrantType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code := authorize(t, env, "app", u.ID, "openid")
			req := goIdP.TokenRequest{
				GrantType:    model.GrantAuthorizationCode,
				Code:         code.code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: code.verifier,
				ClientID:     "app",
			}
			tc.mutate(&req)
			if _, err := env.Engine.Token(ctx, req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestExpiredCodeIsRejected(t *testing.T) {
	env := testutil.NewEngine(t)
	u := registerUser(t, env, "eli@example.test")
	registerClient(t, env, "app", trusted)
	code := authorize(t, env, "app", u.ID, "openid")

	env.Clock.Advance(env.Config.OAuth.CodeTTL + time.Second)
	if _, err := exchange(context.Background(), env, "app", code); !errors.Is(err, goIdP.ErrOAuthInvalidGrant) {
		t.Fatalf("expected invalid_grant for an expired code, got %v", err)
	}
}

func TestAuthorizeValidation(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "fin@example.test")
	registerClient(t, env, "app", trusted)
	_, challenge := pkcePair()

	base := goIdP.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "app",
		RedirectURI:         testRedirectURI,
		Scope:               "openid",
		State:               "st",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              u.ID,
	}

	tests := []struct {
		name         string
		mutate       func(*goIdP.AuthorizeRequest)
		code         string
		redirectable bool
	}{
		{"unknown client", func(r *goIdP.AuthorizeRequest) { r.ClientID = "nobody" }, goIdP.OAuthInvalidClient, false},
		{"unregistered redirect", func(r *goIdP.AuthorizeRequest) { r.RedirectURI = "https://evil.example.test/cb" }, goIdP.OAuthInvalidRequest, false},
		{"token response", func(r *goIdP.AuthorizeRequest) { r.ResponseType = "token" }, goIdP.OAuthUnsupportedResponseType, true},
		{"no openid", func(r *goIdP.AuthorizeRequest) { r.Scope = "email" }, goIdP.OAuthInvalidScope, true},
		{"scope not allowed", func(r *goIdP.AuthorizeRequest) { r.Scope = "openid admin" }, goIdP.OAuthInvalidScope, true},
		{"public client without pkce", func(r *goIdP.AuthorizeRequest) { r.CodeChallenge, r.CodeChallengeMethod = "", "" }, goIdP.OAuthInvalidRequest, true},
		{"unknown pkce method", func(r *goIdP.AuthorizeRequest) { r.CodeChallengeMethod = "S512" }, goIdP.OAuthInvalidRequest, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := env.Engine.Authorize(ctx, req)
			var oerr *goIdP.OAuthError
			if !errors.As(err, &oerr) {
				t.Fatalf("expected an OAuthError, got %v", err)
			}
			if oerr.Code != tc.code || oerr.Redirectable != tc.redirectable {
				t.Fatalf("got %s redirectable=%v, want %s redirectable=%v", oerr.Code, oerr.Redirectable, tc.code, tc.redirectable)
			}
			if oerr.Redirectable {
				target, err := goIdP.ErrorRedirectURL(req.RedirectURI, req.State, oerr)
				if err != nil {
					t.Fatalf("error redirect: %v", err)
				}
				q := mustQuery(t, target)
				if q.Get("error") != tc.code || q.Get("state") != "st" {
					t.Fatalf("unexpected error redirect %s", target)
				}
			}
		})
	}
}

func TestConsentRequiredForUntrustedClient(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "gil@example.test")
	registerClient(t, env, "third-party")
	_, challenge := pkcePair()

	req := goIdP.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "third-party",
		RedirectURI:         testRedirectURI,
		Scope:               "openid email",
		State:               "s1",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              u.ID,
	}
	res, err := env.Engine.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !res.ConsentRequired || res.Code != "" || res.ClientName != "Client third-party" {
		t.Fatalf("expected a consent prompt, got %+v", res)
	}

	if _, err := env.Engine.GrantConsent(ctx, u.ID, "third-party", []string{"openid", "email"}); err != nil {
		t.Fatalf("grant consent: %v", err)
	}
	res, err = env.Engine.Authorize(ctx, req)
	if err != nil || res.ConsentRequired || res.Code == "" {
		t.Fatalf("consent must cover the request: %+v %v", res, err)
	}
	target, err := res.RedirectURL()
	if err != nil {
		t.Fatalf("redirect url: %v", err)
	}
	if q := mustQuery(t, target); q.Get("code") != res.Code || q.Get("state") != "s1" {
		t.Fatalf("unexpected redirect %s", target)
	}

	req.Scope = "openid email profile"
	if res, err = env.Engine.Authorize(ctx, req); err != nil || !res.ConsentRequired {
		t.Fatalf("a wider scope needs consent again: %+v %v", res, err)
	}

	if err := env.Engine.RevokeConsent(ctx, u.ID, "third-party"); err != nil {
		t.Fatalf("revoke consent: %v", err)
	}
	req.Scope = "openid"
	if res, err = env.Engine.Authorize(ctx, req); err != nil || !res.ConsentRequired {
		t.Fatalf("revoked consent must prompt again: %+v %v", res, err)
	}
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	env := testutil.NewEngine(t)
	u := registerUser(t, env, "hana@example.test")
	registerClient(t, env, "app", trusted)
	first := tokensFor(t, env, "app", u.ID, "openid offline_access")

	second, err := refresh(env, "app", first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}

	if _, err := refresh(env, "app", first.RefreshToken); !errors.Is(err, goIdP.ErrOAuthInvalidGrant) {
		t.Fatalf("reuse must fail, got %v", err)
	}
	if _, err := refresh(env, "app", second.RefreshToken); !errors.Is(err, goIdP.ErrOAuthInvalidGrant) {
		t.Fatalf("reuse revokes the whole grant, got %v", err)
	}
	if _, err := env.Engine.VerifyAccessToken(context.Background(), second.AccessToken); !errors.Is(err, goIdP.ErrTokenInvalid) {
		t.Fatalf("access tokens of a reused grant must die, got %v", err)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	env := testutil.NewEngine(t)
	u := registerUser(t, env, "ivo@example.test")
	registerClient(t, env, "app", trusted)
	registerClient(t, env, "other", trusted)
	tok := tokensFor(t, env, "app", u.ID, "openid email offline_access")

	if _, err := env.Engine.Token(context.Background(), goIdP.TokenRequest{
		GrantType: model.GrantRefreshToken, RefreshToken: tok.RefreshToken, ClientID: "app", Scope: "openid profile",
	}); !errors.Is(err, goIdP.ErrOAuthInvalidScope) {
		t.Fatalf("widening scope must fail, got %v", err)
	}
	if _, err := refresh(env, "other", tok.RefreshToken); !errors.Is(err, goIdP.ErrOAuthInvalidGrant) {
		t.Fatalf("another client cannot refresh, got %v", err)
	}

	narrowed, err := env.Engine.Token(context.Background(), goIdP.TokenRequest{
		GrantType: model.GrantRefreshToken, RefreshToken: tok.RefreshToken, ClientID: "app", Scope: "openid",
	})
	if err != nil {
		t.Fatalf("narrow refresh: %v", err)
	}
	if narrowed.Scope != "openid" {
		t.Fatalf("expected narrowed scope, got %q", narrowed.Scope)
	}
}

func TestUserInfoFiltersClaimsByScope(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "jan@example.test")
	registerClient(t, env, "app", trusted)

	tests := []struct {
		scope     string
		wantEmail bool
		wantName  bool
	}{
		{"openid", false, false},
		{"openid email", true, false},
		{"openid profile", false, true},
		{"openid email profile", true, true},
	}
	for _, tc := range tests {
		t.Run(tc.scope, func(t *testing.T) {
			tok := tokensFor(t, env, "app", u.ID, tc.scope)
			info, err := env.Engine.UserInfo(ctx, tok.AccessToken)
			if err != nil {
				t.Fatalf("userinfo: %v", err)
			}
			if info.Subject != u.ID {
				t.Fatalf("unexpected subject %q", info.Subject)
			}
			if (info.Email != "") != tc.wantEmail || (info.EmailVerified != nil) != tc.wantEmail {
				t.Fatalf("email claims: %+v", info)
			}
			if (info.Name != "") != tc.wantName {
				t.Fatalf("name claim: %+v", info)
			}
		})
	}

	if _, err := env.Engine.UserInfo(ctx, "garbage"); !errors.Is(err, goIdP.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestRevokeAndIntrospect(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "kai@example.test")
	registerClient(t, env, "app", trusted)
	registerClient(t, env, "other", trusted)
	tok := tokensFor(t, env, "app", u.ID, "openid offline_access")

	in, err := env.Engine.Introspect(ctx, tok.AccessToken, "app")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if !in.Active || in.Subject != u.ID || in.TokenType != "Bearer" || in.Scope != "openid offline_access" {
		t.Fatalf("unexpected introspection %+v", in)
	}
	if in, _ := env.Engine.Introspect(ctx, tok.AccessToken, "other"); in.Active {
		t.Fatal("another client must see the token as inactive")
	}
	if in, _ := env.Engine.Introspect(ctx, tok.RefreshToken, ""); !in.Active || in.TokenType != "refresh_token" {
		t.Fatalf("refresh token introspection %+v", in)
	}

	if err := env.Engine.Revoke(ctx, tok.AccessToken, "other"); err != nil {
		t.Fatalf("foreign revoke: %v", err)
	}
	if _, err := env.Engine.VerifyAccessToken(ctx, tok.AccessToken); err != nil {
		t.Fatalf("a foreign client cannot revoke: %v", err)
	}

	if err := env.Engine.Revoke(ctx, tok.RefreshToken, "app"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.VerifyAccessToken(ctx, tok.AccessToken); !errors.Is(err, goIdP.ErrTokenInvalid) {
		t.Fatalf("revoking the refresh token revokes the grant, got %v", err)
	}
	if in, _ := env.Engine.Introspect(ctx, tok.RefreshToken, "app"); in.Active {
		t.Fatal("revoked refresh token must be inactive")
	}
	if err := env.Engine.Revoke(ctx, "unknown.token", "app"); err != nil {
		t.Fatalf("unknown tokens revoke cleanly: %v", err)
	}
}

func TestAccessTokenExpires(t *testing.T) {
	env := testutil.NewEngine(t)
	u := registerUser(t, env, "lia@example.test")
	registerClient(t, env, "app", trusted)
	tok := tokensFor(t, env, "app", u.ID, "openid")

	env.Advance(env.Config.OAuth.AccessTokenTTL + time.Second)
	if _, err := env.Engine.VerifyAccessToken(context.Background(), tok.AccessToken); !errors.Is(err, goIdP.ErrTokenInvalid) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestConfidentialClientAuthentication(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	rc := registerClient(t, env, "backend", trusted, func(r *goIdP.ClientRegistration) { r.Public = false })
	if rc.ClientSecret == "" {
		t.Fatal("confidential clients receive a secret")
	}

	if _, err := env.Engine.AuthenticateClient(ctx, "backend", rc.ClientSecret); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	for _, secret := range []string{"", "wrong"} {
		if _, err := env.Engine.AuthenticateClient(ctx, "backend", secret); !errors.Is(err, goIdP.ErrOAuthInvalidClient) {
			t.Fatalf("secret %q: expected invalid_client, got %v", secret, err)
		}
	}
	if _, err := env.Engine.RegisterClient(ctx, goIdP.ClientRegistration{
		ClientID: "backend", Name: "dup", RedirectURIs: []string{testRedirectURI},
		AllowedScopes: []string{"openid"}, GrantTypes: []string{model.GrantAuthorizationCode},
	}); !errors.Is(err, goIdP.ErrClientExists) {
		t.Fatalf("expected ErrClientExists, got %v", err)
	}
}

func TestClientRegistrationRejectsBadRedirects(t *testing.T) {
	env := testutil.NewEngine(t)
	for _, uri := range []string{"", "not a url", "https://client.example.test/cb#frag", "myapp:/cb"} {
		_, err := env.Engine.RegisterClient(context.Background(), goIdP.ClientRegistration{
			ClientID:      "c",
			Name:          "c",
			RedirectURIs:  []string{uri},
			AllowedScopes: []string{"openid"},
			GrantTypes:    []string{model.GrantAuthorizationCode},
			Public:        true,
		})
		if !errors.Is(err, goIdP.ErrInvalidRedirect) && !errors.Is(err, goIdP.ErrInvalidClientDef) {
			t.Fatalf("redirect %q: expected a registration error, got %v", uri, err)
		}
	}
}

func TestAppPermissionGatesApprovalClients(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "mo@example.test")
	registerClient(t, env, "internal", trusted, func(r *goIdP.ClientRegistration) { r.RequireApproval = true })
	_, challenge := pkcePair()
	req := goIdP.AuthorizeRequest{
		ResponseType: "code", ClientID: "internal", RedirectURI: testRedirectURI, Scope: "openid",
		CodeChallenge: challenge, CodeChallengeMethod: "S256", UserID: u.ID,
	}

	if _, err := env.Engine.Authorize(ctx, req); !errors.Is(err, goIdP.ErrOAuthAccessDenied) {
		t.Fatalf("unapproved users are denied, got %v", err)
	}
	p, err := env.Engine.RequestAppAccess(ctx, u.ID, "internal")
	if err != nil || p.Status != model.PermissionPending {
		t.Fatalf("request access: %+v %v", p, err)
	}
	if _, err := env.Engine.Authorize(ctx, req); !errors.Is(err, goIdP.ErrOAuthAccessDenied) {
		t.Fatalf("pending requests are denied, got %v", err)
	}
	if _, err := env.Engine.ApproveAppAccess(ctx, "admin", u.ID, "internal", model.RoleNone); !errors.Is(err, goIdP.ErrInvalidRole) {
		t.Fatalf("approving with no role is invalid, got %v", err)
	}
	if _, err := env.Engine.ApproveAppAccess(ctx, "admin", u.ID, "internal", model.RoleUser); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := env.Engine.Authorize(ctx, req)
	if err != nil || res.Code == "" {
		t.Fatalf("approved users get a code: %+v %v", res, err)
	}

	if _, err := env.Engine.RevokeAppAccess(ctx, "admin", u.ID, "internal"); err != nil {
		t.Fatalf("revoke access: %v", err)
	}
	if _, err := env.Engine.Authorize(ctx, req); !errors.Is(err, goIdP.ErrOAuthAccessDenied) {
		t.Fatalf("revoked access is denied, got %v", err)
	}
}

func TestDiscoveryDocument(t *testing.T) {
	env := testutil.NewEngine(t)
	doc := env.Engine.OpenIDConfiguration()
	if doc.Issuer != "https://idp.example.test" || doc.TokenEndpoint != "https://idp.example.test"+goIdP.PathToken {
		t.Fatalf("unexpected discovery %+v", doc)
	}
	jwks, err := env.Engine.JWKS()
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	if len(jwks.Keys) != 1 || jwks.Keys[0].Kid != "test" {
		t.Fatalf("unexpected jwks %+v", jwks)
	}
}

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u.Query()
}
