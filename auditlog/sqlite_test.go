package auditlog

import (
	"context"
	"testing"
	"time"

	"github.com/MrEthical07/goIdP/internal/audit"
	"github.com/rs/zerolog"
)

func newTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndQuery(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []audit.Event{
		{Timestamp: now, Action: "login_success", UserID: "u1", Success: true, IP: "1.2.3.4"},
		{Timestamp: now, Action: "unlink_method", ActorID: "admin", UserID: "u1", Success: true,
			Before: map[string]any{"methods": []any{"password", "google"}, "password_hash": "h"},
			After:  map[string]any{"methods": []any{"google"}}},
		{Timestamp: now, Action: "login_failure", UserID: "u2", Error: "invalid_credentials"},
	}
	for _, ev := range events {
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Query(ctx, Filter{UserID: "u1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for u1, got %d", len(got))
	}
	if got[0].Action != "unlink_method" {
		t.Fatalf("expected newest first, got %s", got[0].Action)
	}
	if got[0].Before["password_hash"] != audit.Redacted {
		t.Fatalf("snapshot stored unsanitized: %v", got[0].Before)
	}
	if got[1].IP != "1.2.3.4" || !got[1].Success {
		t.Fatalf("fields lost: %+v", got[1])
	}

	failures, err := s.Query(ctx, Filter{Action: "login_failure"})
	if err != nil || len(failures) != 1 || failures[0].Error != "invalid_credentials" {
		t.Fatalf("action filter: %+v %v", failures, err)
	}
}

func TestTableIsAppendOnly(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()
	if err := s.Append(ctx, audit.Event{Action: "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE audit_log SET action = 'y'`); err == nil {
		t.Fatal("expected UPDATE to be rejected")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_log`); err == nil {
		t.Fatal("expected DELETE to be rejected")
	}
	got, _ := s.Query(ctx, Filter{})
	if len(got) != 1 || got[0].Action != "x" {
		t.Fatalf("row altered: %+v", got)
	}
}
