package actions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

func TestBuiltinsVolume(t *testing.T) {
	vol := audio.NewStaticVolume(40)
	b := NewBuiltins(vol, nil, quietLogger())
	ctx := context.Background()

	if _, err := b.setVolume(ctx, Args{"level": float64(70)}); err != nil {
		t.Fatalf("set_volume: %v", err)
	}
	if level, _ := vol.Volume(ctx); level != 70 {
		t.Fatalf("expected 70, got %d", level)
	}

	if _, err := b.changeVolume(ctx, Args{"delta": "-25"}); err != nil {
		t.Fatalf("change_volume: %v", err)
	}
	if level, _ := vol.Volume(ctx); level != 45 {
		t.Fatalf("expected 45, got %d", level)
	}

	if _, err := b.mute(ctx, nil); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if level, _ := vol.Volume(ctx); level != 0 {
		t.Fatalf("expected muted level 0, got %d", level)
	}
	if _, err := b.unmute(ctx, nil); err != nil {
		t.Fatalf("un_mute: %v", err)
	}
	if level, _ := vol.Volume(ctx); level != 45 {
		t.Fatalf("expected level 45 after unmute, got %d", level)
	}

	if _, err := b.setVolume(ctx, Args{}); err == nil {
		t.Fatal("expected error for missing level")
	}
}

func TestBuiltinsVolumeDuringDuck(t *testing.T) {
	vol := audio.NewStaticVolume(60)
	ducker := audio.NewDucker(vol, 20, 0, quietLogger())
	b := NewBuiltins(ducker, nil, quietLogger())
	ctx := context.Background()

	ducker.Duck(ctx)
	got, err := b.changeVolume(ctx, Args{"delta": 10})
	if err != nil {
		t.Fatalf("change_volume: %v", err)
	}
	if got != "volume changed from 60% to 70%" {
		t.Fatalf("expected change from the user's level, got %v", got)
	}
	ducker.Restore(ctx)
	if level, _ := vol.Volume(ctx); level != 70 {
		t.Fatalf("expected restore to keep the new level 70, got %d", level)
	}
}

func TestBuiltinsTimerRejectsHugeDurations(t *testing.T) {
	fired := make(chan string, 1)
	b := NewBuiltins(nil, func(msg string) { fired <- msg }, quietLogger())
	defer b.Close()

	for _, seconds := range []any{float64(9.3e9), int64(maxTimer/time.Second) + 1} {
		if _, err := b.setTimer(context.Background(), Args{"seconds": seconds}); err == nil {
			t.Fatalf("expected error for %v seconds", seconds)
		}
	}
	select {
	case msg := <-fired:
		t.Fatalf("rejected timer fired: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := b.setTimer(context.Background(), Args{"seconds": int64(maxTimer / time.Second)}); err != nil {
		t.Fatalf("expected the maximum to be accepted: %v", err)
	}
}

func TestBuiltinsClock(t *testing.T) {
	b := NewBuiltins(nil, nil, quietLogger())
	b.now = func() time.Time { return time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC) }

	got, _ := b.getTime(context.Background(), nil)
	if got != "09:05" {
		t.Fatalf("expected 09:05, got %v", got)
	}
	got, _ = b.getDate(context.Background(), nil)
	if got != "Saturday, 14 March 2026" {
		t.Fatalf("unexpected date %v", got)
	}
}

func TestBuiltinsTimerNotifies(t *testing.T) {
	fired := make(chan string, 1)
	b := NewBuiltins(nil, func(msg string) { fired <- msg }, quietLogger())
	defer b.Close()

	if _, err := b.setTimer(context.Background(), Args{"seconds": 1}); err != nil {
		t.Fatalf("set_timer: %v", err)
	}
	select {
	case msg := <-fired:
		if !strings.Contains(msg, "1s") {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timer never fired")
	}

	if _, err := b.setTimer(context.Background(), Args{"seconds": 0}); err == nil {
		t.Fatal("expected error for zero seconds")
	}
}

func TestBuiltinsStopwatch(t *testing.T) {
	b := NewBuiltins(nil, nil, quietLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	if got, _ := b.stopwatch(ctx, Args{"cmd": "start"}); got != "stopwatch started" {
		t.Fatalf("unexpected %v", got)
	}
	now = now.Add(90 * time.Second)
	if got, _ := b.stopwatch(ctx, Args{"cmd": "stop"}); got != "stopwatch stopped at 1m30s" {
		t.Fatalf("unexpected %v", got)
	}
	if _, err := b.stopwatch(ctx, Args{"cmd": "lap"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestBuiltinsRegister(t *testing.T) {
	reg := NewRegistry()
	if err := NewBuiltins(nil, nil, quietLogger()).Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"get_time", "get_date", "set_volume", "change_volume", "mute", "un_mute", "set_timer", "stopwatch"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("expected %s to be registered", name)
		}
	}
}

func TestCommandHandlerSubstitutesPerWord(t *testing.T) {
	h, err := CommandHandler("echo opening {name}")
	if err != nil {
		t.Fatalf("command handler: %v", err)
	}
	got, err := h(context.Background(), Args{"name": "Music; rm -rf /"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "opening Music; rm -rf /" {
		t.Fatalf("unexpected output %v", got)
	}

	if _, err := h(context.Background(), Args{}); err == nil {
		t.Fatal("expected error for missing argument")
	}
}

func TestRegisterCommands(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterCommands(reg, map[string]string{"play_media": "true"}); err != nil {
		t.Fatalf("register commands: %v", err)
	}
	h, ok := reg.Lookup("play_media")
	if !ok {
		t.Fatal("expected play_media")
	}
	got, err := h(context.Background(), nil)
	if err != nil || got != "ok" {
		t.Fatalf("expected ok, got %v, %v", got, err)
	}
	if err := RegisterCommands(reg, map[string]string{"broken": ""}); err == nil {
		t.Fatal("expected error for empty template")
	}
}
