package audio

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Ducker lowers the system volume while the assistant speaks and puts it
// back afterwards. Volume failures are logged and otherwise ignored.
type Ducker struct {
	mu      sync.Mutex
	volume  VolumeControl
	target  int
	fade    time.Duration
	logger  *slog.Logger
	engaged bool
	prior   int
}

func NewDucker(volume VolumeControl, target int, fade time.Duration, logger *slog.Logger) *Ducker {
	if volume == nil {
		volume = NoVolume{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ducker{
		volume: volume,
		target: clampLevel(target),
		fade:   fade,
		logger: logger.With(slog.String("component", "ducker")),
	}
}

// Duck remembers the current level and lowers it to the target. While
// engaged, further calls do nothing.
func (d *Ducker) Duck(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engaged {
		return
	}
	current, err := d.volume.Volume(ctx)
	if err != nil {
		d.logger.Debug("volume read failed", slogError(err))
		return
	}
	if current > d.target {
		if err := d.ramp(ctx, current, d.target); err != nil {
			d.logger.Debug("volume duck failed", slogError(err))
			return
		}
	}
	d.prior = current
	d.engaged = true
}

// Restore returns the volume to the level recorded by Duck.
func (d *Ducker) Restore(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.engaged {
		return
	}
	d.engaged = false
	from := d.target
	if d.fade > 0 {
		if current, err := d.volume.Volume(ctx); err == nil {
			from = current
		}
	}
	if err := d.ramp(ctx, from, d.prior); err != nil {
		d.logger.Debug("volume restore failed", slogError(err))
	}
}

// Volume reports the user's level: the remembered level while ducked.
func (d *Ducker) Volume(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engaged {
		return d.prior, nil
	}
	return d.volume.Volume(ctx)
}

// SetVolume sets the user's level. While ducked the new level becomes the one
// Restore returns to and playback stays at or below the duck target.
func (d *Ducker) SetVolume(ctx context.Context, level int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	level = clampLevel(level)
	if !d.engaged {
		return d.volume.SetVolume(ctx, level)
	}
	d.prior = level
	return d.volume.SetVolume(ctx, min(level, d.target))
}

// Engaged reports whether the volume is currently ducked.
func (d *Ducker) Engaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engaged
}

func (d *Ducker) ramp(ctx context.Context, from, to int) error {
	if d.fade <= 0 || from == to {
		return d.volume.SetVolume(ctx, to)
	}

	const minStep = 10 * time.Millisecond
	steps := int(d.fade / minStep)
	if steps < 1 {
		steps = 1
	}
	stepDuration := d.fade / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		level := int(math.Round(float64(from) + float64(to-from)*frac))
		if err := d.volume.SetVolume(ctx, level); err != nil {
			return err
		}
		if i < steps {
			select {
			case <-ctx.Done():
				// land on the final level even when interrupted
				return d.volume.SetVolume(context.WithoutCancel(ctx), to)
			case <-time.After(stepDuration):
			}
		}
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
