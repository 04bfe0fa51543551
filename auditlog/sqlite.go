// Package auditlog persists audit events to an append-only SQLite table.
//
// The table rejects UPDATE and DELETE through triggers, so the only write
// path is [SQLiteSink.Emit].
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrEthical07/goIdP/internal/audit"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TEXT NOT NULL,
	action     TEXT NOT NULL,
	actor_id   TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	resource   TEXT NOT NULL DEFAULT '',
	ip         TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	success    INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	before     TEXT,
	after      TEXT,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS audit_log_user ON audit_log(user_id, id);
CREATE INDEX IF NOT EXISTS audit_log_action ON audit_log(action, id);
CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;
`

// SQLiteSink is an [audit.Sink] writing one row per event.
type SQLiteSink struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the audit database at path. The special
// path ":memory:" gives a private in-memory database.
func Open(path string, logger zerolog.Logger) (*SQLiteSink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit log path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps inserts ordered and keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	return &SQLiteSink{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit implements [audit.Sink]. Write failures are logged; the sink
// interface has no error path.
func (s *SQLiteSink) Emit(ctx context.Context, event audit.Event) {
	if err := s.Append(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("action", event.Action).Msg("audit append failed")
	}
}

// Append inserts event and returns any storage error.
func (s *SQLiteSink) Append(ctx context.Context, event audit.Event) error {
	if s == nil || s.db == nil {
		return errors.New("audit log is not configured")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	before, err := encodeJSON(audit.Sanitize(event.Before))
	if err != nil {
		return err
	}
	after, err := encodeJSON(audit.Sanitize(event.After))
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(event.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log
		(ts, action, actor_id, user_id, resource, ip, user_agent, success, error, before, after, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(timeFormat),
		event.Action,
		event.ActorID,
		event.UserID,
		event.Resource,
		event.IP,
		event.UserAgent,
		boolToInt(event.Success),
		event.Error,
		before,
		after,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Filter narrows [SQLiteSink.Query]. Zero fields match everything.
type Filter struct {
	UserID string
	Action string
	Since  time.Time
	Limit  int
}

// Query returns matching events, newest first.
func (s *SQLiteSink) Query(ctx context.Context, f Filter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(timeFormat))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `SELECT ts, action, actor_id, user_id, resource, ip, user_agent, success, error, before, after, metadata FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			ev                      audit.Event
			ts                      string
			success                 int
			before, after, metadata sql.NullString
		)
		if err := rows.Scan(&ts, &ev.Action, &ev.ActorID, &ev.UserID, &ev.Resource, &ev.IP, &ev.UserAgent,
			&success, &ev.Error, &before, &after, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		ev.Timestamp, _ = time.Parse(timeFormat, ts)
		ev.Success = success == 1
		if err := decodeJSON(before, &ev.Before); err != nil {
			return nil, err
		}
		if err := decodeJSON(after, &ev.After); err != nil {
			return nil, err
		}
		if err := decodeJSON(metadata, &ev.Metadata); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func encodeJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode audit snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(s sql.NullString, target any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), target); err != nil {
		return fmt.Errorf("decode audit snapshot: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
