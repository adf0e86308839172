package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const volumeTimeout = 2 * time.Second

type Options struct {
	SessionID     string
	Voice         string
	MinChars      int
	AutoFlush     time.Duration
	FlushInterval time.Duration
}

// Speaker turns streamed text into audio. Phrases cut by the segmenter are
// queued and played strictly one after another by a single worker. The
// ducker is engaged on the first played phrase of a playback session and
// released when the queue runs dry, on interrupt or on mute.
type Speaker struct {
	opts   Options
	synth  tts.Synthesizer
	output audio.Output
	ducker *audio.Ducker
	logger *slog.Logger

	seg   *Segmenter
	queue *Queue

	generation atomic.Uint64
	muted      atomic.Bool
	closed     atomic.Bool
	started    atomic.Bool

	// mu guards the playback session: ducking state and the stop handle of
	// the unit being synthesized or played.
	mu       sync.Mutex
	ducked   bool
	stopUnit context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	stopFlush context.CancelFunc
	wg        sync.WaitGroup

	played metric.Int64Counter
	failed metric.Int64Counter
}

func NewSpeaker(parent context.Context, opts Options, synth tts.Synthesizer, output audio.Output, ducker *audio.Ducker, logger *slog.Logger) *Speaker {
	if opts.AutoFlush <= 0 {
		opts.AutoFlush = 800 * time.Millisecond
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Speaker{
		opts:   opts,
		synth:  synth,
		output: output,
		ducker: ducker,
		logger: logger.With(slog.String("component", "speaker")),
		queue:  NewQueue(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.seg = NewSegmenter(opts.MinChars, opts.AutoFlush, s.Enqueue)

	meter := otel.Meter("github.com/loqalabs/loqa-voice/speech")
	s.played, _ = meter.Int64Counter("loqa.speech.units.played", metric.WithDescription("Speech units played to completion"))
	s.failed, _ = meter.Int64Counter("loqa.speech.units.failed", metric.WithDescription("Speech units skipped after synthesis or playback failure"))
	return s
}

// Start launches the playback worker and the idle flush checker.
func (s *Speaker) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	flushCtx, stop := context.WithCancel(s.ctx)
	s.stopFlush = stop
	s.wg.Add(2)
	go s.run()
	go s.flushLoop(flushCtx)
}

// Push feeds streamed text to the segmenter.
func (s *Speaker) Push(chunk string) {
	if s.muted.Load() || s.closed.Load() {
		return
	}
	s.seg.Push(chunk)
}

// Flush speaks pending text without waiting for a sentence boundary.
func (s *Speaker) Flush() {
	s.seg.Flush()
}

// Enqueue queues a ready phrase. Phrases are dropped while muted.
func (s *Speaker) Enqueue(text string) {
	if text == "" {
		return
	}
	if s.muted.Load() {
		s.logger.Debug("dropping phrase while muted", slog.Int("chars", len(text)))
		return
	}
	s.queue.Put(Unit{Text: text, generation: s.generation.Load()})
}

// Interrupt silences the speaker: in-flight audio is stopped, queued and
// pending text is discarded and the volume is restored. The speaker stays
// usable.
func (s *Speaker) Interrupt() {
	s.generation.Add(1)
	s.seg.Clear()
	dropped := s.queue.Drain()

	s.mu.Lock()
	if s.stopUnit != nil {
		s.stopUnit()
	}
	if err := s.output.Stop(); err != nil {
		s.logger.Debug("output stop failed", slogError(err))
	}
	s.restoreLocked()
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("speech interrupted", slog.Int("dropped", dropped))
	}
}

// Close ends the current utterance. With wait it flushes and blocks until
// everything queued was spoken; without wait it interrupts.
func (s *Speaker) Close(ctx context.Context, wait bool) error {
	if !wait {
		s.Interrupt()
		return nil
	}
	s.seg.Flush()
	return s.queue.Wait(ctx)
}

// Mute interrupts playback and drops all further text until Unmute.
func (s *Speaker) Mute() {
	s.muted.Store(true)
	s.seg.SetMuted(true)
	s.Interrupt()
}

func (s *Speaker) Unmute() {
	s.muted.Store(false)
	s.seg.SetMuted(false)
}

func (s *Speaker) Muted() bool { return s.muted.Load() }

// Pending returns the number of phrases waiting to be played.
func (s *Speaker) Pending() int { return s.queue.Len() }

// Shutdown flushes, waits for queued speech and stops the worker. The
// speaker rejects text afterwards. When ctx expires first the remaining
// speech is interrupted.
func (s *Speaker) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopFlush != nil {
		s.stopFlush()
	}
	s.seg.Close()

	var waitErr error
	if s.started.Load() {
		waitErr = s.queue.Wait(ctx)
		if waitErr != nil {
			s.Interrupt()
		}
	} else {
		s.queue.Drain()
	}
	s.queue.Close()
	s.wg.Wait()
	s.cancel()

	s.mu.Lock()
	s.restoreLocked()
	s.mu.Unlock()
	if waitErr != nil {
		return fmt.Errorf("speech drain: %w", waitErr)
	}
	return nil
}

func (s *Speaker) run() {
	defer s.wg.Done()
	for {
		unit, ok := s.queue.Get(s.ctx)
		if !ok {
			return
		}
		s.play(unit)
		if s.queue.Len() == 0 {
			s.mu.Lock()
			s.restoreLocked()
			s.mu.Unlock()
		}
		s.queue.Done()
	}
}

func (s *Speaker) play(unit Unit) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("speech unit panicked", slog.Any("panic", r))
			s.failed.Add(context.Background(), 1)
		}
	}()

	if s.muted.Load() {
		return
	}
	s.mu.Lock()
	if unit.generation != s.generation.Load() {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopUnit = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stopUnit = nil
		s.mu.Unlock()
		cancel()
	}()

	clip, err := tts.Collect(ctx, s.synth, tts.SynthRequest{
		SessionID: s.opts.SessionID,
		Text:      unit.Text,
		Voice:     s.opts.Voice,
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("speech synthesis failed", slog.String("text", unit.Text), slogError(err))
			s.failed.Add(ctx, 1)
		}
		return
	}
	if len(clip.PCM) == 0 {
		return
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if !s.ducked {
		s.ducked = true
		if s.ducker != nil {
			vctx, vcancel := context.WithTimeout(context.Background(), volumeTimeout)
			s.ducker.Duck(vctx)
			vcancel()
		}
	}
	s.mu.Unlock()

	if err := s.output.Play(ctx, clip); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("speech playback failed", slog.String("text", unit.Text), slogError(err))
			s.failed.Add(context.Background(), 1)
		}
		return
	}
	if ctx.Err() == nil {
		s.played.Add(ctx, 1)
	}
}

func (s *Speaker) restoreLocked() {
	if !s.ducked {
		return
	}
	s.ducked = false
	if s.ducker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), volumeTimeout)
	defer cancel()
	s.ducker.Restore(ctx)
}

func (s *Speaker) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.seg.FlushIfIdle(now)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
