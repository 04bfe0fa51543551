package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goIdP/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCodeConsumeExactlyOnceUnderConcurrency(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewCodeStore(rdb, "t")
	ctx := context.Background()
	now := time.Now()

	code := &model.AuthorizationCode{
		Code:        "raw-code",
		ClientID:    "c1",
		UserID:      "u1",
		RedirectURI: "https://app.example/cb",
		Scope:       []string{"openid"},
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
	if err := store.Save(ctx, code, now); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, "raw-code", time.Now())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrAlreadyUsed) {
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one consume success, got %d", success)
	}

	got, err := store.Get(ctx, "raw-code")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UsedAt.IsZero() {
		t.Fatal("expected used_at to be recorded")
	}
}

func TestCodeConsumeExpiredAndUnknown(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewCodeStore(rdb, "t")
	ctx := context.Background()
	now := time.Now()

	code := &model.AuthorizationCode{Code: "old", ExpiresAt: now.Add(time.Second)}
	if err := store.Save(ctx, code, now); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Consume(ctx, "old", now.Add(2*time.Second)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := store.Consume(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenRevokeIsIdempotentAndBlocksRotation(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewTokenStore(rdb, "t")
	ctx := context.Background()
	now := time.Now()

	tok := &model.Token{
		JTI:       "r1",
		Kind:      model.TokenRefresh,
		UserID:    "u1",
		ClientID:  "c1",
		GrantID:   "g1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Save(ctx, tok, now); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		existed, err := store.Revoke(ctx, model.TokenRefresh, "r1", now)
		if err != nil || !existed {
			t.Fatalf("revoke #%d: existed=%v err=%v", i+1, existed, err)
		}
	}
	if _, err := store.ConsumeRefresh(ctx, "r1", now); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}

	existed, err := store.Revoke(ctx, model.TokenAccess, "nope", now)
	if err != nil || existed {
		t.Fatalf("unknown revoke: existed=%v err=%v", existed, err)
	}
}

func TestTokenRevokeGrantCoversEveryKind(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewTokenStore(rdb, "t")
	ctx := context.Background()
	now := time.Now()

	for _, tok := range []*model.Token{
		{JTI: "a1", Kind: model.TokenAccess, UserID: "u1", ClientID: "c1", GrantID: "g1", ExpiresAt: now.Add(time.Hour)},
		{JTI: "r1", Kind: model.TokenRefresh, UserID: "u1", ClientID: "c1", GrantID: "g1", ExpiresAt: now.Add(time.Hour)},
		{JTI: "a2", Kind: model.TokenAccess, UserID: "u1", ClientID: "c1", GrantID: "g2", ExpiresAt: now.Add(time.Hour)},
	} {
		if err := store.Save(ctx, tok, now); err != nil {
			t.Fatalf("Save %s failed: %v", tok.JTI, err)
		}
	}

	n, err := store.RevokeGrant(ctx, "g1", now)
	if err != nil {
		t.Fatalf("RevokeGrant failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked tokens, got %d", n)
	}

	other, err := store.Get(ctx, model.TokenAccess, "a2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !other.RevokedAt.IsZero() {
		t.Fatal("token from another grant must stay live")
	}

	n, err = store.RevokeUserClient(ctx, "u1", "c1", now)
	if err != nil {
		t.Fatalf("RevokeUserClient failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 tokens touched, got %d", n)
	}
}

func TestPruneIndexesDropsExpiredMembers(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewTokenStore(rdb, "t")
	ctx := context.Background()
	now := time.Now()

	tok := &model.Token{JTI: "a1", Kind: model.TokenAccess, UserID: "u1", ClientID: "c1", GrantID: "g1", ExpiresAt: now.Add(time.Second)}
	if err := store.Save(ctx, tok, now); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	removed, err := store.PruneIndexes(ctx, 100)
	if err != nil {
		t.Fatalf("PruneIndexes failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 index members removed, got %d", removed)
	}
	if mr.Exists("t:tok:g:g1") {
		t.Fatal("expected empty grant index to disappear")
	}
}

func TestPINFailuresDeleteChallengeAtLimit(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewPINStore(rdb, "t")
	ctx := context.Background()
	now := time.Now()

	ch := &model.PINChallenge{ID: "p1", UserID: "u1", PINHash: "h", ExpiresAt: now.Add(5 * time.Minute)}
	if err := store.Save(ctx, ch, now); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	for i := 1; i < 3; i++ {
		n, err := store.RecordFailure(ctx, "p1", 3)
		if err != nil {
			t.Fatalf("RecordFailure #%d failed: %v", i, err)
		}
		if n != i {
			t.Fatalf("expected attempt count %d, got %d", i, n)
		}
	}
	if _, err := store.RecordFailure(ctx, "p1", 3); !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", err)
	}
	if _, err := store.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected challenge deleted, got %v", err)
	}
}

func newUser(id, email string) *model.User {
	return &model.User{
		ID:        id,
		Email:     email,
		Status:    model.UserActive,
		CreatedAt: time.Now().UTC(),
	}
}

func TestUserCreateRejectsDuplicateEmailAndProvider(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewUserStore(rdb, "t")
	ctx := context.Background()

	u := newUser("u1", "a@example.com")
	u.SocialProviders = map[string]model.LinkedProvider{"github": {ProviderID: "gh-1", Email: "a@example.com"}}
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Create(ctx, newUser("u2", "a@example.com")); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	dup := newUser("u3", "b@example.com")
	dup.SocialProviders = map[string]model.LinkedProvider{"github": {ProviderID: "gh-1"}}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrProviderLinked) {
		t.Fatalf("expected ErrProviderLinked, got %v", err)
	}

	got, err := store.GetByProvider(ctx, "github", "gh-1")
	if err != nil {
		t.Fatalf("GetByProvider failed: %v", err)
	}
	if got.ID != "u1" {
		t.Fatalf("expected u1, got %s", got.ID)
	}
	if methods := got.LoginMethods(); len(methods) != 1 || methods[0] != "github" {
		t.Fatalf("unexpected login methods %v", methods)
	}
}

func TestUserUnlinkRefusesLastMethod(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewUserStore(rdb, "t")
	ctx := context.Background()

	u := newUser("u1", "a@example.com")
	u.PasswordHash = "$argon2id$stub"
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, _, err := store.UnlinkMethod(ctx, "u1", model.MethodPassword); !errors.Is(err, ErrLastLoginMethod) {
		t.Fatalf("expected ErrLastLoginMethod, got %v", err)
	}
	got, err := store.GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.PasswordHash == "" {
		t.Fatal("password must survive rejected unlink")
	}
}

func TestUserConcurrentUnlinkKeepsOneMethod(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewUserStore(rdb, "t")
	ctx := context.Background()

	u := newUser("u1", "a@example.com")
	u.PasswordHash = "$argon2id$stub"
	u.SocialProviders = map[string]model.LinkedProvider{"google": {ProviderID: "g-1"}}
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, method := range []string{model.MethodPassword, "google"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			_, _, err := store.UnlinkMethod(ctx, "u1", method)
			errs <- err
		}(method)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrLastLoginMethod) && !errors.Is(err, ErrContention) {
			t.Fatalf("unexpected unlink error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one unlink to win, got %d", success)
	}

	got, err := store.GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(got.LoginMethods()) != 1 {
		t.Fatalf("expected one method left, got %v", got.LoginMethods())
	}
}

func TestUserLinkProviderTwiceConflicts(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewUserStore(rdb, "t")
	ctx := context.Background()

	u := newUser("u1", "a@example.com")
	u.PasswordHash = "$argon2id$stub"
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	before, after, err := store.LinkProvider(ctx, "u1", "github", model.LinkedProvider{ProviderID: "gh-9"})
	if err != nil {
		t.Fatalf("LinkProvider failed: %v", err)
	}
	if len(before) != 1 || len(after.LoginMethods()) != 2 {
		t.Fatalf("unexpected before=%v after=%v", before, after.LoginMethods())
	}
	if _, _, err := store.LinkProvider(ctx, "u1", "github", model.LinkedProvider{ProviderID: "gh-10"}); !errors.Is(err, ErrProviderLinked) {
		t.Fatalf("expected ErrProviderLinked, got %v", err)
	}
}

func TestConsentMutateMergesScopes(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := NewConsentStore(rdb, "t")
	ctx := context.Background()

	grant := func(scopes ...string) {
		_, _, err := store.Mutate(ctx, "u1", "c1", func(c *model.Consent) (*model.Consent, error) {
			if c == nil {
				c = &model.Consent{UserID: "u1", ClientID: "c1"}
			}
			c.Scope = model.MergeScopes(c.Scope, scopes)
			return c, nil
		})
		if err != nil {
			t.Fatalf("Mutate failed: %v", err)
		}
	}
	grant("openid")
	grant("email", "openid")

	c, err := store.Get(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !c.Covers([]string{"openid", "email"}) {
		t.Fatalf("expected merged consent, got %v", c.Scope)
	}
}
