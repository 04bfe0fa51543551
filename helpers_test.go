package goIdP_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"testing"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal/testutil"
	"github.com/MrEthical07/goIdP/model"
)

const (
	testPassword    = "correct-horse-battery"
	testRedirectURI = "https://client.example.test/cb"
)

var testMeta = goIdP.SessionMetadata{IP: "203.0.113.7", UserAgent: "engine-test"}

func registerUser(t testing.TB, env *testutil.Env, email string) *model.User {
	t.Helper()
	u, err := env.Engine.RegisterWithPassword(context.Background(), email, testPassword, "Test User")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return u
}

func login(t testing.TB, env *testutil.Env, email string) *goIdP.LoginResult {
	t.Helper()
	res, err := env.Engine.LoginWithPassword(context.Background(), email, testPassword, testMeta)
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return res
}

type clientOption func(*goIdP.ClientRegistration)

func trusted(r *goIdP.ClientRegistration) { r.Trusted = true }

func registerClient(t testing.TB, env *testutil.Env, id string, opts ...clientOption) *goIdP.RegisteredClient {
	t.Helper()
	reg := goIdP.ClientRegistration{
		ClientID:      id,
		Name:          "Client " + id,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"openid", "profile", "email", "offline_access"},
		GrantTypes:    []string{model.GrantAuthorizationCode, model.GrantRefreshToken},
		Public:        true,
	}
	for _, o := range opts {
		o(&reg)
	}
	rc, err := env.Engine.RegisterClient(context.Background(), reg)
	if err != nil {
		t.Fatalf("register client %s: %v", id, err)
	}
	return rc
}

var verifierSeq int

func pkcePair() (verifier, challenge string) {
	verifierSeq++
	verifier = "verifier-" + strconv.Itoa(verifierSeq) + "-abcdefghijklmnopqrstuvwxyz0123456789"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

type issuedCode struct {
	code     string
	verifier string
}

func authorize(t testing.TB, env *testutil.Env, clientID, userID, scope string) issuedCode {
	t.Helper()
	verifier, challenge := pkcePair()
	res, err := env.Engine.Authorize(context.Background(), goIdP.AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              userID,
		AuthTime:            env.Clock.Now(),
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.ConsentRequired {
		t.Fatalf("unexpected consent prompt for %s", clientID)
	}
	return issuedCode{code: res.Code, verifier: verifier}
}

func exchange(ctx context.Context, env *testutil.Env, clientID string, c issuedCode) (*goIdP.TokenResponse, error) {
	return env.Engine.Token(ctx, goIdP.TokenRequest{
		GrantType:    model.GrantAuthorizationCode,
		Code:         c.code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: c.verifier,
		ClientID:     clientID,
	})
}

func refresh(env *testutil.Env, clientID, token string) (*goIdP.TokenResponse, error) {
	return env.Engine.Token(context.Background(), goIdP.TokenRequest{
		GrantType:    model.GrantRefreshToken,
		RefreshToken: token,
		ClientID:     clientID,
	})
}

// tokensFor runs the whole code flow for a trusted client.
func tokensFor(t testing.TB, env *testutil.Env, clientID, userID, scope string) *goIdP.TokenResponse {
	t.Helper()
	tok, err := exchange(context.Background(), env, clientID, authorize(t, env, clientID, userID, scope))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	return tok
}

func metric(env *testutil.Env, id goIdP.MetricID) uint64 {
	return env.Engine.MetricsSnapshot().Counters[id]
}
