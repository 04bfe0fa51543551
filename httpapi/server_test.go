package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal/testutil"
)

const (
	testEmail    = "grace@example.test"
	testPassword = "a long enough password"
	testRedirect = "https://client.example.test/cb"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk-extra-entropy"
)

type apiHarness struct {
	t      *testing.T
	env    *testutil.Env
	srv    *httptest.Server
	client *http.Client
	csrf   string
}

func newHarness(t *testing.T, mutate ...func(*goIdP.Config)) *apiHarness {
	t.Helper()
	env := testutil.NewEngine(t, mutate...)
	api, err := New(env.Engine, Options{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &apiHarness{t: t, env: env, srv: srv, client: client}
}

func (h *apiHarness) do(method, path string, body url.Values, header http.Header) *http.Response {
	h.t.Helper()
	var rd *strings.Reader
	if body != nil {
		rd = strings.NewReader(body.Encode())
	} else {
		rd = strings.NewReader("")
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *apiHarness) doJSON(method, path string, body any) *http.Response {
	h.t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		h.t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.csrf != "" {
		req.Header.Set("X-CSRF-Token", h.csrf)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", resp.Request.URL.Path, err)
	}
	return out
}

func (h *apiHarness) fetchCSRF() {
	h.t.Helper()
	resp := h.do(http.MethodGet, "/csrf", nil, nil)
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("csrf: status %d", resp.StatusCode)
	}
	h.csrf = decode[csrfBody](h.t, resp).CSRFToken
}

func (h *apiHarness) login() {
	h.t.Helper()
	if _, err := h.env.Engine.RegisterWithPassword(context.Background(), testEmail, testPassword, "Grace"); err != nil {
		h.t.Fatalf("register: %v", err)
	}
	h.fetchCSRF()
	resp := h.doJSON(http.MethodPost, "/login", map[string]string{"email": testEmail, "password": testPassword})
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("login: status %d", resp.StatusCode)
	}
	if body := decode[loginBody](h.t, resp); body.UserID == "" || body.StepUpRequired {
		h.t.Fatalf("unexpected login body %+v", body)
	}
}

func (h *apiHarness) registerClient(scopes ...string) string {
	h.t.Helper()
	reg, err := h.env.Engine.RegisterClient(context.Background(), goIdP.ClientRegistration{
		ClientID:      "web-app",
		Name:          "Web App",
		RedirectURIs:  []string{testRedirect},
		AllowedScopes: scopes,
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		Public:        true,
	})
	if err != nil {
		h.t.Fatalf("register client: %v", err)
	}
	return reg.Client.ClientID
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeQuery(clientID, scope string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirect},
		"scope":                 {scope},
		"state":                 {"xyz"},
		"code_challenge":        {challengeFor(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

// obtainCode walks authorize, consent and returns the code from the redirect.
func (h *apiHarness) obtainCode(clientID, scope string) string {
	h.t.Helper()
	q := authorizeQuery(clientID, scope)

	resp := h.do(http.MethodGet, "/authorize?"+q.Encode(), nil, nil)
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("authorize: expected consent prompt, got %d", resp.StatusCode)
	}
	prompt := decode[consentPrompt](h.t, resp)
	if !prompt.ConsentRequired || prompt.CSRFToken == "" {
		h.t.Fatalf("unexpected prompt %+v", prompt)
	}

	form := url.Values{}
	for k, v := range q {
		form[k] = v
	}
	form.Set("decision", "approve")
	form.Set("csrf_token", prompt.CSRFToken)
	resp = h.do(http.MethodPost, "/authorize/consent", form, nil)
	if resp.StatusCode != http.StatusFound {
		h.t.Fatalf("consent: expected 302, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		h.t.Fatalf("location: %v", err)
	}
	if loc.Query().Get("state") != "xyz" {
		h.t.Fatalf("state not echoed: %s", loc)
	}
	code := loc.Query().Get("code")
	if code == "" {
		h.t.Fatalf("no code in %s", loc)
	}
	return code
}

func (h *apiHarness) exchange(clientID, code string) *http.Response {
	return h.do(http.MethodPost, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"client_id":     {clientID},
		"code_verifier": {testVerifier},
	}, nil)
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.login()
	clientID := h.registerClient("openid", "email", "offline_access")

	code := h.obtainCode(clientID, "openid email offline_access")
	resp := h.exchange(clientID, code)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token: status %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("token response must not be cached, got %q", resp.Header.Get("Cache-Control"))
	}
	tokens := decode[goIdP.TokenResponse](t, resp)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.IDToken == "" {
		t.Fatalf("incomplete token response %+v", tokens)
	}

	resp = h.do(http.MethodGet, "/userinfo", nil, http.Header{"Authorization": {"Bearer " + tokens.AccessToken}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("userinfo: status %d", resp.StatusCode)
	}
	info := decode[goIdP.UserInfo](t, resp)
	if info.Email != testEmail || info.Name != "" {
		t.Fatalf("userinfo must carry email and no profile claims, got %+v", info)
	}

	resp = h.do(http.MethodPost, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {clientID},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status %d", resp.StatusCode)
	}
	rotated := decode[goIdP.TokenResponse](t, resp)
	if rotated.RefreshToken == "" || rotated.RefreshToken == tokens.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
}

func TestCodeReplayOverHTTPRevokesTokens(t *testing.T) {
	h := newHarness(t)
	h.login()
	clientID := h.registerClient("openid")

	code := h.obtainCode(clientID, "openid")
	resp := h.exchange(clientID, code)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first exchange: status %d", resp.StatusCode)
	}
	tokens := decode[goIdP.TokenResponse](t, resp)

	resp = h.exchange(clientID, code)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replay: expected 400, got %d", resp.StatusCode)
	}
	if body := decode[errorBody](t, resp); body.Error != goIdP.OAuthInvalidGrant {
		t.Fatalf("replay: expected invalid_grant, got %+v", body)
	}

	resp = h.do(http.MethodGet, "/userinfo", nil, http.Header{"Authorization": {"Bearer " + tokens.AccessToken}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("access token from replayed code must be revoked, got %d", resp.StatusCode)
	}
}

func TestAuthorizeErrorsNeverRedirectToUnregisteredURI(t *testing.T) {
	h := newHarness(t)
	h.login()
	clientID := h.registerClient("openid")

	q := authorizeQuery(clientID, "openid")
	q.Set("redirect_uri", "https://evil.example.test/cb")
	resp := h.do(http.MethodGet, "/authorize?"+q.Encode(), nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unregistered redirect, got %d", resp.StatusCode)
	}

	q = authorizeQuery(clientID, "openid")
	q.Set("response_type", "token")
	resp = h.do(http.MethodGet, "/authorize?"+q.Encode(), nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect for unsupported response_type, got %d", resp.StatusCode)
	}
	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc.Host != "client.example.test" || loc.Query().Get("error") != goIdP.OAuthUnsupportedResponseType {
		t.Fatalf("unexpected error redirect %s", loc)
	}
}

func TestAuthorizeWithoutSession(t *testing.T) {
	h := newHarness(t)
	clientID := h.registerClient("openid")
	resp := h.do(http.MethodGet, "/authorize?"+authorizeQuery(clientID, "openid").Encode(), nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 login_required, got %d", resp.StatusCode)
	}
}

func TestLoginRequiresCSRF(t *testing.T) {
	h := newHarness(t)
	resp := h.doJSON(http.MethodPost, "/login", map[string]string{"email": testEmail, "password": testPassword})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf, got %d", resp.StatusCode)
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	h := newHarness(t)
	h.login()

	for _, creds := range []map[string]string{
		{"email": testEmail, "password": "wrong password entirely"},
		{"email": "nobody@example.test", "password": testPassword},
	} {
		resp := h.doJSON(http.MethodPost, "/login", creds)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if body := decode[errorBody](t, resp); body.Error != "invalid_credentials" {
			t.Fatalf("expected invalid_credentials, got %+v", body)
		}
	}
}

func TestMagicLinkOverHTTPWorksOnce(t *testing.T) {
	h := newHarness(t)
	if _, err := h.env.Engine.RegisterWithPassword(context.Background(), testEmail, testPassword, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.fetchCSRF()

	resp := h.doJSON(http.MethodPost, "/magic-link", map[string]string{"email": testEmail})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("request: status %d", resp.StatusCode)
	}
	resp = h.doJSON(http.MethodPost, "/magic-link", map[string]string{"email": "unknown@example.test"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unknown email must look identical, got %d", resp.StatusCode)
	}

	msg, ok := h.env.Outbox.Last(testEmail)
	if !ok {
		t.Fatal("no magic link mailed")
	}
	token := testutil.LinkToken(msg)

	resp = h.do(http.MethodGet, "/magic-link/verify?token="+url.QueryEscape(token), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d", resp.StatusCode)
	}
	resp = h.do(http.MethodGet, "/session", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session after magic link: status %d", resp.StatusCode)
	}

	resp = h.do(http.MethodGet, "/magic-link/verify?token="+url.QueryEscape(token), nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("second use: expected 401, got %d", resp.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	h := newHarness(t)
	h.login()

	if resp := h.do(http.MethodGet, "/session", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("session: status %d", resp.StatusCode)
	}
	resp := h.doJSON(http.MethodPost, "/logout", map[string]string{})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}
	if resp := h.do(http.MethodGet, "/session", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session after logout: expected 401, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	h := newHarness(t)
	clientID := h.registerClient("openid")

	resp := h.do(http.MethodPost, "/token", url.Values{"grant_type": {"password"}, "client_id": {clientID}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decode[errorBody](t, resp); body.Error != goIdP.OAuthUnsupportedGrantType {
		t.Fatalf("expected unsupported_grant_type, got %+v", body)
	}

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/token", strings.NewReader(url.Values{
		"grant_type": {"authorization_code"}, "code": {"x"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("no-such-client", "secret")
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge, got %d %q", resp.StatusCode, resp.Header.Get("WWW-Authenticate"))
	}
}

func TestDiscoveryAndJWKS(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, goIdP.PathDiscovery, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discovery: status %d", resp.StatusCode)
	}
	doc := decode[goIdP.OpenIDConfiguration](t, resp)
	if doc.Issuer != h.env.Config.OAuth.Issuer || doc.TokenEndpoint != doc.Issuer+goIdP.PathToken {
		t.Fatalf("unexpected discovery document %+v", doc)
	}

	resp = h.do(http.MethodGet, goIdP.PathJWKS, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwks: status %d", resp.StatusCode)
	}
	var keys struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil || len(keys.Keys) == 0 {
		t.Fatalf("jwks: %v %+v", err, keys)
	}
}
