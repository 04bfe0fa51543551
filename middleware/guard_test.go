package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireSession(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()

	if _, err := env.Engine.RegisterWithPassword(ctx, "ada@example.test", "correct horse battery", "Ada"); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := env.Engine.LoginWithPassword(ctx, "ada@example.test", "correct horse battery", goIdP.SessionMetadata{IP: "203.0.113.1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	cookieName := env.Config.Session.CookieName
	var seen *goIdP.Session
	h := RequireSession(env.Engine, cookieName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: res.SessionToken})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen == nil || seen.UserID != res.UserID {
		t.Fatalf("expected session for %s, got code %d session %+v", res.UserID, rec.Code, seen)
	}

	for _, value := range []string{"", "bogus"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if value != "" {
			req.AddCookie(&http.Cookie{Name: cookieName, Value: value})
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("cookie %q: expected 401, got %d", value, rec.Code)
		}
	}
}

func TestRequireBearerRejectsMissingAndUnknownTokens(t *testing.T) {
	env := testutil.NewEngine(t)
	h := RequireBearer(env.Engine)(okHandler())

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer abc.def"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("header %q: missing WWW-Authenticate", header)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("bearer abc"); !ok || tok != "abc" {
		t.Fatalf("expected case-insensitive scheme, got %q %v", tok, ok)
	}
	if _, ok := BearerToken("Bearerabc"); ok {
		t.Fatal("expected rejection without separator")
	}
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	env := testutil.NewEngine(t, func(cfg *goIdP.Config) {
		cfg.RateLimit.Strict = goIdP.RatePolicy{Limit: 2, Window: time.Minute}
	})
	h := RequestMetadata(nil)(RateLimit(env.Engine, goIdP.RateStrict)(okHandler()))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = ip + ":5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("198.51.100.10"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := send("198.51.100.10")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body struct {
		Error      string `json:"error"`
		RetryAfter int64  `json:"retryAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "rate_limited" || body.RetryAfter < 1 || body.RetryAfter > 60 {
		t.Fatalf("unexpected body %+v", body)
	}
	if rec.Header().Get("Retry-After") != strconv.FormatInt(body.RetryAfter, 10) {
		t.Fatalf("Retry-After %q does not match body %d", rec.Header().Get("Retry-After"), body.RetryAfter)
	}

	if rec := send("198.51.100.11"); rec.Code != http.StatusOK {
		t.Fatalf("other ip: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitBypass(t *testing.T) {
	env := testutil.NewEngine(t, func(cfg *goIdP.Config) {
		cfg.RateLimit.Strict = goIdP.RatePolicy{Limit: 1, Window: time.Minute}
		cfg.Security.RateLimitBypass = true
	})
	h := RateLimit(env.Engine, goIdP.RateStrict)(okHandler())
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with bypass, got %d", i, rec.Code)
		}
	}
}
