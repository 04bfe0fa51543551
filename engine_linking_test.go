package goIdP_test

import (
	"context"
	"errors"
	"testing"

	goIdP "github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal/testutil"
	"github.com/MrEthical07/goIdP/model"
)

func githubIdentity(email string, verified bool) goIdP.ProviderIdentity {
	return goIdP.ProviderIdentity{
		Provider:      "GitHub",
		ProviderID:    "gh-" + email,
		Email:         email,
		EmailVerified: verified,
		Name:          "Octo Cat",
	}
}

func TestProviderLoginCreatesAccount(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()

	res, err := env.Engine.LoginWithProvider(ctx, githubIdentity("tao@example.test", true), testMeta)
	if err != nil {
		t.Fatalf("provider login: %v", err)
	}
	u, err := env.Engine.User(ctx, res.UserID)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if got := u.LoginMethods(); len(got) != 1 || got[0] != "github" {
		t.Fatalf("expected only github, got %v", got)
	}
	if !u.EmailVerified {
		t.Fatal("a verified provider email verifies the account")
	}

	again, err := env.Engine.LoginWithProvider(ctx, githubIdentity("tao@example.test", true), testMeta)
	if err != nil || again.UserID != u.ID {
		t.Fatalf("the linked identity resolves to the same user: %+v %v", again, err)
	}
}

func TestProviderAutoLinkNeedsVerifiedEmail(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "uma@example.test")

	if _, err := env.Engine.LoginWithProvider(ctx, githubIdentity("uma@example.test", false), testMeta); !errors.Is(err, goIdP.ErrAccountExists) {
		t.Fatalf("an unverified email must not take over an account, got %v", err)
	}

	res, err := env.Engine.LoginWithProvider(ctx, githubIdentity("uma@example.test", true), testMeta)
	if err != nil {
		t.Fatalf("provider login: %v", err)
	}
	if res.UserID != u.ID {
		t.Fatalf("verified email links onto the existing user, got %s", res.UserID)
	}
	linked, _ := env.Engine.User(ctx, u.ID)
	if got := linked.LoginMethods(); len(got) != 2 || got[0] != model.MethodPassword || got[1] != "github" {
		t.Fatalf("unexpected methods %v", got)
	}
}

func TestUnlinkNeverRemovesLastMethod(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "vic@example.test")

	if ok, _ := env.Engine.CanUnlink(ctx, u.ID, model.MethodPassword); ok {
		t.Fatal("the only method cannot be unlinked")
	}
	if _, err := env.Engine.UnlinkMethod(ctx, u.ID, u.ID, model.MethodPassword); !errors.Is(err, goIdP.ErrLastLoginMethod) {
		t.Fatalf("expected ErrLastLoginMethod, got %v", err)
	}
	if _, err := env.Engine.UnlinkMethod(ctx, u.ID, u.ID, "google"); !errors.Is(err, goIdP.ErrMethodNotLinked) {
		t.Fatalf("expected ErrMethodNotLinked, got %v", err)
	}

	if _, err := env.Engine.AdminLinkProvider(ctx, "admin", u.ID, githubIdentity("vic@example.test", true)); err != nil {
		t.Fatalf("admin link: %v", err)
	}
	updated, err := env.Engine.UnlinkMethod(ctx, u.ID, u.ID, model.MethodPassword)
	if err != nil {
		t.Fatalf("unlink password: %v", err)
	}
	if updated.HasLoginMethod(model.MethodPassword) {
		t.Fatal("password still linked")
	}
	if _, err := env.Engine.LoginWithPassword(ctx, "vic@example.test", testPassword, testMeta); !errors.Is(err, goIdP.ErrInvalidCredentials) {
		t.Fatalf("unlinked password must stop working, got %v", err)
	}
	if _, err := env.Engine.UnlinkMethod(ctx, u.ID, u.ID, "github"); !errors.Is(err, goIdP.ErrLastLoginMethod) {
		t.Fatalf("github is now the last method, got %v", err)
	}
	if got := metric(env, goIdP.MetricUnlinkRejected); got != 3 {
		t.Fatalf("expected 3 rejected unlinks, got %d", got)
	}
}

func TestLinkAndUnlinkAreAudited(t *testing.T) {
	env := testutil.NewEngine(t)
	u := registerUser(t, env, "wes@example.test")

	if _, err := env.Engine.AdminLinkProvider(context.Background(), "admin-1", u.ID, githubIdentity("wes@example.test", true)); err != nil {
		t.Fatalf("admin link: %v", err)
	}
	linked := env.Audit.Wait(t, "provider_linked", 1)[0]
	if linked.ActorID != "admin-1" || linked.UserID != u.ID {
		t.Fatalf("unexpected link event %+v", linked)
	}

	ctx := goIdP.WithActor(context.Background(), "ops-7")
	ctx = goIdP.WithMetadata(ctx, goIdP.SessionMetadata{IP: "198.51.100.7", UserAgent: "console"})
	if _, err := env.Engine.UnlinkMethod(ctx, "", u.ID, model.MethodPassword); err != nil {
		t.Fatalf("unlink: %v", err)
	}

	ev := env.Audit.Wait(t, "method_unlinked", 1)[0]
	if ev.ActorID != "ops-7" || ev.IP != "198.51.100.7" || ev.Resource != model.MethodPassword || !ev.Success {
		t.Fatalf("unexpected unlink event %+v", ev)
	}
	before, _ := ev.Before["login_methods"].([]string)
	after, _ := ev.After["login_methods"].([]string)
	if len(before) != 2 || len(after) != 1 || after[0] != "github" {
		t.Fatalf("unexpected method snapshots before=%v after=%v", before, after)
	}

	if _, err := env.Engine.UnlinkMethod(ctx, "", u.ID, "github"); !errors.Is(err, goIdP.ErrLastLoginMethod) {
		t.Fatalf("expected ErrLastLoginMethod, got %v", err)
	}
	rejected := env.Audit.Wait(t, "unlink_rejected", 1)[0]
	if rejected.Success || rejected.Error == "" || rejected.Metadata["reason"] != "last_method" {
		t.Fatalf("unexpected rejection event %+v", rejected)
	}
}

func TestAdminLinkProviderRules(t *testing.T) {
	env := testutil.NewEngine(t)
	ctx := context.Background()
	u := registerUser(t, env, "wes@example.test")
	other := registerUser(t, env, "xan@example.test")

	if _, err := env.Engine.AdminLinkProvider(ctx, "admin", u.ID, githubIdentity("someone@example.test", true)); !errors.Is(err, goIdP.ErrEmailMismatch) {
		t.Fatalf("expected ErrEmailMismatch, got %v", err)
	}
	id := githubIdentity("wes@example.test", true)
	if _, err := env.Engine.AdminLinkProvider(ctx, "admin", u.ID, id); err != nil {
		t.Fatalf("link: %v", err)
	}
	id.Email = "xan@example.test"
	if _, err := env.Engine.AdminLinkProvider(ctx, "admin", other.ID, id); !errors.Is(err, goIdP.ErrProviderLinked) {
		t.Fatalf("one provider identity links to one user, got %v", err)
	}
}
