package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/intent"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherKeepsOrderAndReportsUnknown(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("open_app", func(ctx context.Context, args Args) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "opened " + args["name"].(string), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := NewDispatcher(reg, 4, time.Second, quietLogger())

	results := d.Execute(context.Background(), []intent.Intent{
		{Action: "open_app", Args: map[string]any{"name": "Music"}},
		{Action: "bad_action", Args: map[string]any{}},
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Action != "open_app" || !results[0].Success || results[0].Result != "opened Music" {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Action != "bad_action" || results[1].Success || results[1].Result != nil {
		t.Fatalf("unexpected second result %+v", results[1])
	}
}

func TestDispatcherCapturesErrorsAndPanics(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("fails", func(context.Context, Args) (any, error) { return nil, errors.New("no permission") })
	_ = reg.Register("explodes", func(context.Context, Args) (any, error) { panic("kaboom") })
	_ = reg.Register("works", func(context.Context, Args) (any, error) { return 42, nil })
	d := NewDispatcher(reg, 4, 0, quietLogger())

	results := d.Execute(context.Background(), []intent.Intent{
		{Action: "fails"},
		{Action: "explodes"},
		{Action: "works"},
	})
	if results[0].Success || results[0].Result != "no permission" {
		t.Fatalf("expected captured error, got %+v", results[0])
	}
	if results[1].Success || results[1].Result != "panic: kaboom" {
		t.Fatalf("expected captured panic, got %+v", results[1])
	}
	if !results[2].Success || results[2].Result != 42 {
		t.Fatalf("expected success, got %+v", results[2])
	}
	if results[0].Args == nil {
		t.Fatal("expected empty args map rather than nil")
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	reg := NewRegistry()
	var active, peak atomic.Int32
	_ = reg.Register("slow", func(context.Context, Args) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})
	d := NewDispatcher(reg, 4, 0, quietLogger())

	intents := make([]intent.Intent, 9)
	for i := range intents {
		intents[i] = intent.Intent{Action: "slow"}
	}
	results := d.Execute(context.Background(), intents)
	if len(results) != 9 {
		t.Fatalf("expected 9 results, got %d", len(results))
	}
	if got := peak.Load(); got > 4 {
		t.Fatalf("expected at most 4 concurrent actions, got %d", got)
	}
	if got := peak.Load(); got < 2 {
		t.Fatalf("expected actions to run in parallel, peak was %d", got)
	}
}

func TestDispatcherEmpty(t *testing.T) {
	d := NewDispatcher(NewRegistry(), 4, 0, quietLogger())
	if got := d.Execute(context.Background(), nil); got != nil {
		t.Fatalf("expected nil results, got %v", got)
	}
}

func TestDispatcherAppliesTimeout(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("hang", func(ctx context.Context, _ Args) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := NewDispatcher(reg, 4, 20*time.Millisecond, quietLogger())

	results := d.Execute(context.Background(), []intent.Intent{{Action: "hang"}})
	if results[0].Success {
		t.Fatal("expected timeout failure")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, Args) (any, error) { return nil, nil }
	if err := reg.Register("a", h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", h); !errors.Is(err, ErrDuplicateAction) {
		t.Fatalf("expected ErrDuplicateAction, got %v", err)
	}
	_ = reg.Register("b", h)
	names := reg.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
}
