package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

const maxTimer = 24 * time.Hour

// Builtins are the actions that need nothing but the host clock and the
// system volume.
type Builtins struct {
	volume audio.VolumeControl
	notify func(message string)
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	mutedLevel int
	muted      bool
	timers     map[int]*time.Timer
	nextTimer  int
	watchStart time.Time
	watchTotal time.Duration
	watchOn    bool
}

// NewBuiltins creates the builtin actions. notify is called when a timer
// fires; it may be nil.
func NewBuiltins(volume audio.VolumeControl, notify func(message string), logger *slog.Logger) *Builtins {
	if volume == nil {
		volume = audio.NoVolume{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builtins{
		volume: volume,
		notify: notify,
		logger: logger.With(slog.String("component", "builtin-actions")),
		now:    time.Now,
		timers: make(map[int]*time.Timer),
	}
}

// Register adds every builtin to the registry.
func (b *Builtins) Register(reg *Registry) error {
	for name, h := range map[string]Handler{
		"get_time":      b.getTime,
		"get_date":      b.getDate,
		"set_volume":    b.setVolume,
		"change_volume": b.changeVolume,
		"mute":          b.mute,
		"un_mute":       b.unmute,
		"set_timer":     b.setTimer,
		"stopwatch":     b.stopwatch,
	} {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Close cancels pending timers.
func (b *Builtins) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
}

func (b *Builtins) getTime(context.Context, Args) (any, error) {
	return b.now().Format("15:04"), nil
}

func (b *Builtins) getDate(context.Context, Args) (any, error) {
	return b.now().Format("Monday, 2 January 2006"), nil
}

func (b *Builtins) setVolume(ctx context.Context, args Args) (any, error) {
	level, err := intArg(args, "level")
	if err != nil {
		return nil, err
	}
	if err := b.volume.SetVolume(ctx, level); err != nil {
		return nil, err
	}
	return fmt.Sprintf("volume set to %d%%", clamp(level)), nil
}

func (b *Builtins) changeVolume(ctx context.Context, args Args) (any, error) {
	delta, err := intArg(args, "delta")
	if err != nil {
		return nil, err
	}
	current, err := b.volume.Volume(ctx)
	if err != nil {
		return nil, err
	}
	next := clamp(current + delta)
	if err := b.volume.SetVolume(ctx, next); err != nil {
		return nil, err
	}
	return fmt.Sprintf("volume changed from %d%% to %d%%", current, next), nil
}

func (b *Builtins) mute(ctx context.Context, _ Args) (any, error) {
	current, err := b.volume.Volume(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.volume.SetVolume(ctx, 0); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if !b.muted {
		b.mutedLevel = current
		b.muted = true
	}
	b.mu.Unlock()
	return "sound muted", nil
}

func (b *Builtins) unmute(ctx context.Context, _ Args) (any, error) {
	b.mu.Lock()
	level, wasMuted := b.mutedLevel, b.muted
	b.muted = false
	b.mu.Unlock()
	if !wasMuted || level == 0 {
		level = 50
	}
	if err := b.volume.SetVolume(ctx, level); err != nil {
		return nil, err
	}
	return fmt.Sprintf("sound restored to %d%%", level), nil
}

func (b *Builtins) setTimer(_ context.Context, args Args) (any, error) {
	seconds, err := intArg(args, "seconds")
	if err != nil {
		return nil, err
	}
	if seconds <= 0 {
		return nil, errors.New("seconds must be positive")
	}
	if seconds > int(maxTimer/time.Second) {
		return nil, fmt.Errorf("timers are limited to %s", maxTimer)
	}
	d := time.Duration(seconds) * time.Second

	b.mu.Lock()
	b.nextTimer++
	id := b.nextTimer
	b.timers[id] = time.AfterFunc(d, func() { b.fire(id, d) })
	b.mu.Unlock()
	return fmt.Sprintf("timer %d set for %s", id, d), nil
}

func (b *Builtins) fire(id int, d time.Duration) {
	b.mu.Lock()
	delete(b.timers, id)
	b.mu.Unlock()
	b.logger.Info("timer finished", slog.Int("timer", id), slog.Duration("duration", d))
	if b.notify != nil {
		b.notify(fmt.Sprintf("Your %s timer is done.", d))
	}
}

func (b *Builtins) stopwatch(_ context.Context, args Args) (any, error) {
	cmd, _ := args["cmd"].(string)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch cmd {
	case "start":
		if b.watchOn {
			return "stopwatch already running", nil
		}
		b.watchOn = true
		b.watchStart = now
		return "stopwatch started", nil
	case "stop":
		if !b.watchOn {
			return fmt.Sprintf("stopwatch stopped at %s", b.watchTotal.Round(time.Second)), nil
		}
		b.watchOn = false
		b.watchTotal += now.Sub(b.watchStart)
		return fmt.Sprintf("stopwatch stopped at %s", b.watchTotal.Round(time.Second)), nil
	case "reset":
		b.watchOn = false
		b.watchTotal = 0
		return "stopwatch reset", nil
	case "status", "":
		total := b.watchTotal
		if b.watchOn {
			total += now.Sub(b.watchStart)
		}
		return fmt.Sprintf("stopwatch at %s", total.Round(time.Second)), nil
	default:
		return nil, fmt.Errorf("unknown stopwatch command %q", cmd)
	}
}

func intArg(args Args, key string) (int, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %q has unsupported type %T", key, raw)
	}
}

func clamp(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
