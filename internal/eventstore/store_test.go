package eventstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/actions"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, mode string) *Store {
	t.Helper()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: mode}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.db != nil {
		t.Fatal("ephemeral store must not open a database")
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: "test"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	events, err := es.RecentEvents(ctx, "s", "test", 5)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v, %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, "session")

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "actor-1", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
}

func TestRecentEventsReturnsNewestInOrder(t *testing.T) {
	es := openTemp(t, "session")
	ctx := context.Background()
	if err := es.AppendSession(ctx, "s1", "actor", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := es.AppendEvent(ctx, Event{SessionID: "s1", Type: "note", Payload: []byte(fmt.Sprint(i))}); err != nil {
			t.Fatalf("append event: %v", err)
		}
		if err := es.AppendEvent(ctx, Event{SessionID: "s1", Type: "other"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := es.RecentEvents(ctx, "s1", "note", 3)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"2", "3", "4"} {
		if string(events[i].Payload) != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].Payload)
		}
	}

	if err := es.DeleteSessionEvents(ctx, "s1", "note"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, _ = es.ListSessionEvents(ctx, "s1", 100)
	if len(events) != 5 {
		t.Fatalf("expected only other events to remain, got %d", len(events))
	}
}

func TestTurnLogRoundTrip(t *testing.T) {
	es := openTemp(t, "session")
	log := NewTurnLog(es, "local", "")
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		rec := session.Record{
			ID:        fmt.Sprintf("turn-%d", i),
			SessionID: "kitchen",
			User:      text,
			Assistant: "reply " + text,
			Outcome:   session.OutcomeCompleted,
			Started:   time.Now(),
			Actions:   []actions.Result{{Action: "get_time", Args: actions.Args{}, Result: "09:00", Success: true}},
		}
		if err := log.RecordTurn(ctx, rec); err != nil {
			t.Fatalf("record turn: %v", err)
		}
	}

	turns, err := log.LoadTurns(ctx, "kitchen", 2)
	if err != nil {
		t.Fatalf("load turns: %v", err)
	}
	if len(turns) != 2 || turns[0].User != "two" || turns[1].Assistant != "reply three" {
		t.Fatalf("unexpected turns %+v", turns)
	}

	if err := log.Forget(ctx, "kitchen"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if turns, _ := log.LoadTurns(ctx, "kitchen", 10); len(turns) != 0 {
		t.Fatalf("expected no turns after forget, got %+v", turns)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "actor", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "actor", "session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestReopenKeepsEvents(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "data", "events.db"), RetentionMode: "persistent"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := es.AppendSession(ctx, "s", "actor", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: "note", TraceID: "t1", CreatedAt: when}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	es, err = Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	var version int
	if err := es.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil || version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d (%v)", len(migrations), version, err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one event after reopen, got %v, %v", events, err)
	}
	if events[0].TraceID != "t1" || !events[0].CreatedAt.Equal(when) {
		t.Fatalf("unexpected event %+v", events[0])
	}
}
