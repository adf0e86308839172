package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Event types written by the assistant.
const (
	TypeTurnCompleted = "turn.completed"
	TypeActionInvoked = "action.invoked"
)

// Event is one timeline entry. Payload is opaque to the store.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	ActorID   string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Store is a SQLite timeline of sessions and their events. Timestamps are
// stored as unix milliseconds. With retention mode "ephemeral" nothing is
// opened, writes are dropped and queries come back empty.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE sessions (
		session_id    TEXT PRIMARY KEY,
		actor_id      TEXT NOT NULL DEFAULT '',
		privacy_scope TEXT NOT NULL DEFAULT '',
		created_ms    INTEGER NOT NULL,
		seen_ms       INTEGER NOT NULL
	);
	CREATE TABLE events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		trace_id      TEXT NOT NULL DEFAULT '',
		actor_id      TEXT NOT NULL DEFAULT '',
		event_type    TEXT NOT NULL,
		payload       BLOB,
		privacy_scope TEXT NOT NULL DEFAULT '',
		created_ms    INTEGER NOT NULL
	);
	CREATE INDEX events_by_session_type ON events(session_id, event_type, id);`,
	`CREATE INDEX sessions_by_seen ON sessions(seen_ms);`,
}

// Open prepares the store described by cfg, running migrations and the
// startup retention pass.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "eventstore")), clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Path, err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Debug("applied migration", slog.Int("version", i+1))
	}
	return nil
}

func (s *Store) disabled() bool { return s.db == nil }

func (s *Store) now() int64 { return s.clock().UnixMilli() }

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession creates the session row or marks it as seen again.
func (s *Store) AppendSession(ctx context.Context, sessionID, actorID, privacy string) error {
	if s.disabled() {
		return nil
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(session_id, actor_id, privacy_scope, created_ms, seen_ms) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			actor_id = excluded.actor_id,
			privacy_scope = excluded.privacy_scope,
			seen_ms = excluded.seen_ms`,
		sessionID, actorID, privacy, now, now)
	return err
}

// AppendEvent writes an event. The session row must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events(session_id, trace_id, actor_id, event_type, payload, privacy_scope, created_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.ActorID, evt.Type, evt.Payload, evt.Privacy, created)
	return err
}

const eventColumns = `id, session_id, trace_id, actor_id, event_type, payload, privacy_scope, created_ms`

// ListSessionEvents returns the first limit events of a session in write order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY id LIMIT ?`,
		sessionID, clampLimit(limit))
}

// RecentEvents returns the newest limit events of one type for a session,
// oldest first.
func (s *Store) RecentEvents(ctx context.Context, sessionID, eventType string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx, `SELECT * FROM (
			SELECT `+eventColumns+` FROM events WHERE session_id = ? AND event_type = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`,
		sessionID, eventType, clampLimit(limit))
}

// DeleteSessionEvents removes events of one type for a session. An empty
// type removes every event of the session.
func (s *Store) DeleteSessionEvents(ctx context.Context, sessionID, eventType string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE session_id = ? AND (? = '' OR event_type = ?)`,
		sessionID, eventType, eventType)
	return err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.ActorID, &e.Type, &e.Payload, &e.Privacy, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops events and sessions older than retention_days, then keeps only
// the max_sessions most recently seen sessions. Deleting a session cascades
// to its events.
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().AddDate(0, 0, -s.cfg.RetentionDays).UnixMilli()
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE created_ms < ?`, cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE seen_ms < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM sessions WHERE session_id IN (
				SELECT session_id FROM sessions ORDER BY seen_ms DESC LIMIT -1 OFFSET ?
			)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
