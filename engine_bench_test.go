package goIdP_test

import (
	"context"
	"testing"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal/testutil"
)

func BenchmarkValidateSession(b *testing.B) {
	env, userID := benchEnv(b)
	ctx := context.Background()
	token, err := env.Engine.CreateSession(ctx, userID, testMeta)
	if err != nil {
		b.Fatalf("create session: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.Engine.ValidateSession(ctx, token, testMeta); err != nil {
			b.Fatalf("validate: %v", err)
		}
	}
}

func BenchmarkVerifyAccessToken(b *testing.B) {
	env, userID := benchEnv(b)
	tok := benchTokens(b, env, userID)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.Engine.VerifyAccessToken(context.Background(), tok); err != nil {
			b.Fatalf("verify: %v", err)
		}
	}
}

func BenchmarkRefreshRotation(b *testing.B) {
	env, userID := benchEnv(b)
	current := benchRefresh(b, env, userID)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		next, err := refresh(env, "bench", current)
		if err != nil {
			b.Fatalf("refresh: %v", err)
		}
		current = next.RefreshToken
	}
}

func benchEnv(b *testing.B) (*testutil.Env, string) {
	b.Helper()
	env := testutil.NewEngine(b, func(c *goIdP.Config) { c.Audit.Enabled = false })
	u, err := env.Engine.RegisterWithPassword(context.Background(), "bench@example.test", testPassword, "")
	if err != nil {
		b.Fatalf("register: %v", err)
	}
	return env, u.ID
}

func benchTokens(b *testing.B, env *testutil.Env, userID string) string {
	b.Helper()
	registerClient(b, env, "bench", trusted)
	return tokensFor(b, env, "bench", userID, "openid").AccessToken
}

func benchRefresh(b *testing.B, env *testutil.Env, userID string) string {
	b.Helper()
	registerClient(b, env, "bench", trusted)
	return tokensFor(b, env, "bench", userID, "openid offline_access").RefreshToken
}
