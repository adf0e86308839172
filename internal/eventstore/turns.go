package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/actions"
	"github.com/loqalabs/loqa-voice/internal/session"
)

type turnPayload struct {
	TurnID     string           `json:"turn_id"`
	User       string           `json:"user"`
	Assistant  string           `json:"assistant"`
	Actions    []actions.Result `json:"actions,omitempty"`
	Outcome    string           `json:"outcome"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
}

// TurnLog persists completed turns so history survives restarts.
type TurnLog struct {
	store   *Store
	actorID string
	privacy string
}

func NewTurnLog(store *Store, actorID, privacy string) *TurnLog {
	if privacy == "" {
		privacy = "session"
	}
	return &TurnLog{store: store, actorID: actorID, privacy: privacy}
}

// RecordTurn implements session.Recorder.
func (l *TurnLog) RecordTurn(ctx context.Context, rec session.Record) error {
	if l.store.disabled() {
		return nil
	}
	payload, err := json.Marshal(turnPayload{
		TurnID:     rec.ID,
		User:       rec.User,
		Assistant:  rec.Assistant,
		Actions:    rec.Actions,
		Outcome:    rec.Outcome,
		StartedAt:  rec.Started.UTC(),
		DurationMS: rec.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	if err := l.store.AppendSession(ctx, rec.SessionID, l.actorID, l.privacy); err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	return l.store.AppendEvent(ctx, Event{
		SessionID: rec.SessionID,
		TraceID:   rec.ID,
		ActorID:   l.actorID,
		Type:      TypeTurnCompleted,
		Payload:   payload,
		Privacy:   l.privacy,
	})
}

// LoadTurns returns the newest limit completed turns of a session, oldest
// first. Undecodable entries are skipped.
func (l *TurnLog) LoadTurns(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	events, err := l.store.RecentEvents(ctx, sessionID, TypeTurnCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	turns := make([]session.Turn, 0, len(events))
	for _, evt := range events {
		var p turnPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			l.store.log.Warn("skipping undecodable turn", slog.Int64("event_id", evt.ID), slog.String("error", err.Error()))
			continue
		}
		turns = append(turns, session.Turn{User: p.User, Assistant: p.Assistant})
	}
	return turns, nil
}

// Forget removes the persisted turns of a session.
func (l *TurnLog) Forget(ctx context.Context, sessionID string) error {
	return l.store.DeleteSessionEvents(ctx, sessionID, TypeTurnCompleted)
}
