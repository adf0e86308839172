package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/actions"
	"github.com/loqalabs/loqa-voice/internal/intent"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrTurnInProgress is returned by Submit while another turn is active.
var ErrTurnInProgress = errors.New("a turn is already in progress")

type State int32

const (
	StateIdle State = iota
	StateClassifying
	StateDispatching
	StateStreaming
	StateDraining
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClassifying:
		return "classifying"
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Speech is the part of the speech pipeline a turn drives.
type Speech interface {
	Push(chunk string)
	// Close ends the utterance: with wait it flushes and blocks until the
	// queue drains, without wait it interrupts.
	Close(ctx context.Context, wait bool) error
	Mute()
	Unmute()
}

// Record describes a finished turn.
type Record struct {
	ID        string
	SessionID string
	User      string
	Assistant string
	Actions   []actions.Result
	Outcome   string
	Started   time.Time
	Duration  time.Duration
}

// Recorder persists finished turns.
type Recorder interface {
	RecordTurn(ctx context.Context, rec Record) error
}

// StateListener is told about every state change of the orchestrator.
type StateListener func(turnID string, state State)

const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

type Options struct {
	SessionID       string
	HistoryCapacity int
	// Base carries model settings (system prompt, tier, token limits) copied
	// into every generation request.
	Base llm.Request

	Classifier intent.Classifier
	Dispatcher *actions.Dispatcher
	Speech     Speech
	Recorder   Recorder
	OnState    StateListener
	Logger     *slog.Logger
}

// Orchestrator runs one conversation turn at a time: classify, dispatch
// actions, stream the model's answer to the caller and the speech pipeline,
// then drain speech and update history.
type Orchestrator struct {
	generator  llm.Generator
	classifier intent.Classifier
	dispatcher *actions.Dispatcher
	speech     Speech
	recorder   Recorder
	onState    StateListener
	base       llm.Request
	sessionID  string
	history    *History
	logger     *slog.Logger
	tracer     trace.Tracer
	turns      metric.Int64Counter
	latency    metric.Float64Histogram

	speechOn atomic.Bool

	mu     sync.Mutex
	state  State
	token  *Token
	turnID string
}

func NewOrchestrator(generator llm.Generator, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voice/session")
	turns, _ := meter.Int64Counter("loqa.assistant.turns", metric.WithDescription("Assistant turns by outcome"))
	latency, _ := meter.Float64Histogram("loqa.assistant.turn.duration", metric.WithDescription("Assistant turn duration"), metric.WithUnit("s"))
	o := &Orchestrator{
		generator:  generator,
		classifier: opts.Classifier,
		dispatcher: opts.Dispatcher,
		speech:     opts.Speech,
		recorder:   opts.Recorder,
		onState:    opts.OnState,
		base:       opts.Base,
		sessionID:  sessionID,
		history:    NewHistory(opts.HistoryCapacity),
		logger:     logger.With(slog.String("component", "orchestrator"), slog.String("session_id", sessionID)),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-voice/session"),
		turns:      turns,
		latency:    latency,
	}
	o.speechOn.Store(opts.Speech != nil)
	return o
}

// Submit returns the output of a new turn as a lazy sequence of text chunks.
// The turn starts when iteration starts. A failed or cancelled turn ends the
// sequence with a single non-nil error (ErrCancelled, the context's error or
// the generation failure); a caller that stops iterating cancels the turn.
func (o *Orchestrator) Submit(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		tok, turnID, err := o.begin(ctx)
		if err != nil {
			yield("", err)
			return
		}
		o.runTurn(tok, turnID, text, &emitter{yield: yield})
	}
}

// emitter forwards output to the caller until it stops iterating.
type emitter struct {
	yield   func(string, error) bool
	stopped bool
}

func (e *emitter) emit(chunk string, err error) bool {
	if e.stopped {
		return false
	}
	if !e.yield(chunk, err) {
		e.stopped = true
	}
	return !e.stopped
}

// Cancel stops the active turn: the token fires, the model stream stops and
// speech is interrupted. It reports whether a turn was cancelled; repeated
// calls, calls while idle and calls after the turn committed its history do
// nothing.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	tok, turnID := o.token, o.turnID
	if tok == nil || o.state == StateIdle || !tok.Cancel() {
		o.mu.Unlock()
		return false
	}
	o.state = StateCancelled
	o.mu.Unlock()

	o.notify(turnID, StateCancelled)
	if o.speech != nil {
		_ = o.speech.Close(context.Background(), false)
	}
	o.logger.Info("turn cancelled", slog.String("turn_id", turnID))
	return true
}

// EnableSpeech unmutes the speech pipeline.
func (o *Orchestrator) EnableSpeech() {
	if o.speech == nil {
		return
	}
	o.speechOn.Store(true)
	o.speech.Unmute()
}

// DisableSpeech mutes the speech pipeline and silences anything playing.
// Generation itself is unaffected.
func (o *Orchestrator) DisableSpeech() {
	if o.speech == nil {
		return
	}
	o.speechOn.Store(false)
	o.speech.Mute()
}

func (o *Orchestrator) SpeechEnabled() bool { return o.speechOn.Load() }

func (o *Orchestrator) ResetHistory() {
	o.history.Reset()
	o.logger.Info("history reset")
}

func (o *Orchestrator) History() []Turn { return o.history.Turns() }

// SeedHistory replaces the history with previously recorded turns.
func (o *Orchestrator) SeedHistory(turns []Turn) {
	o.history.Reset()
	for _, t := range turns {
		o.history.Append(t)
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) SessionID() string { return o.sessionID }

func (o *Orchestrator) begin(ctx context.Context) (*Token, string, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, "", ErrTurnInProgress
	}
	tok := NewToken(ctx)
	turnID := uuid.NewString()
	o.token, o.turnID, o.state = tok, turnID, StateClassifying
	o.mu.Unlock()
	o.notify(turnID, StateClassifying)
	return tok, turnID, nil
}

// advance moves the turn to next unless it was cancelled meanwhile.
func (o *Orchestrator) advance(turnID string, next State) bool {
	o.mu.Lock()
	if o.state == StateCancelled {
		o.mu.Unlock()
		return false
	}
	o.state = next
	o.mu.Unlock()
	o.notify(turnID, next)
	return true
}

func (o *Orchestrator) end(tok *Token, turnID string) {
	o.mu.Lock()
	o.state = StateIdle
	o.token = nil
	o.turnID = ""
	o.mu.Unlock()
	tok.release()
	o.notify(turnID, StateIdle)
}

func (o *Orchestrator) notify(turnID string, s State) {
	if o.onState != nil {
		o.onState(turnID, s)
	}
}

func (o *Orchestrator) runTurn(tok *Token, turnID, text string, out *emitter) {
	started := time.Now()
	ctx, span := o.tracer.Start(tok.Context(), "assistant.turn", trace.WithAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("session.id", o.sessionID),
	))
	logger := o.logger.With(slog.String("turn_id", turnID))
	outcome := OutcomeCompleted
	defer func() {
		span.SetAttributes(attribute.String("turn.outcome", outcome))
		span.End()
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		o.turns.Add(context.Background(), 1, attrs)
		o.latency.Record(context.Background(), time.Since(started).Seconds(), attrs)
		o.end(tok, turnID)
	}()

	var intents []intent.Intent
	if o.classifier != nil {
		found, err := o.classifier.Classify(ctx, text)
		if err != nil && !tok.Cancelled() {
			logger.Warn("intent classification failed", slogError(err))
		}
		intents = found
	}
	if tok.Cancelled() {
		outcome = o.cancelled(tok, turnID, out, logger)
		return
	}

	var results []actions.Result
	if len(intents) > 0 && o.dispatcher != nil {
		if !o.advance(turnID, StateDispatching) {
			outcome = o.cancelled(tok, turnID, out, logger)
			return
		}
		results = o.dispatcher.Execute(ctx, intents)
		logger.Info("actions executed", slog.Int("count", len(results)))
	}

	if !o.advance(turnID, StateStreaming) {
		outcome = o.cancelled(tok, turnID, out, logger)
		return
	}
	req := o.base
	req.SessionID = o.sessionID
	req.TraceID = span.SpanContext().TraceID().String()
	req.Prompt = foldPrompt(text, results)
	req.History = o.history.Messages()

	answer, streamErr := o.stream(ctx, tok, req, out)
	if tok.Cancelled() {
		outcome = o.cancelled(tok, turnID, out, logger)
		return
	}

	if streamErr != nil {
		outcome = OutcomeFailed
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "generation failed")
		logger.Error("generation failed", slogError(streamErr))
		out.emit("", fmt.Errorf("generate: %w", streamErr))
		o.advance(turnID, StateDraining)
		o.drain(tok, logger)
		return
	}

	if !o.advance(turnID, StateDraining) || !o.drain(tok, logger) || !o.commit(tok) {
		outcome = o.cancelled(tok, turnID, out, logger)
		return
	}

	if evicted := o.history.Append(Turn{User: text, Assistant: answer}); evicted > 0 {
		logger.Debug("history evicted oldest turn", slog.Int("evicted", evicted))
	}
	if o.recorder != nil {
		rec := Record{
			ID:        turnID,
			SessionID: o.sessionID,
			User:      text,
			Assistant: answer,
			Actions:   results,
			Outcome:   outcome,
			Started:   started,
			Duration:  time.Since(started),
		}
		if err := o.recorder.RecordTurn(context.Background(), rec); err != nil {
			logger.Warn("record turn failed", slogError(err))
		}
	}
	logger.Info("turn completed", slog.Int("chars", len(answer)), slog.Duration("duration", time.Since(started)))
}

// stream runs the generator on its own goroutine and relays chunks to the
// caller and the speech pipeline. The token is checked before every forward.
func (o *Orchestrator) stream(ctx context.Context, tok *Token, req llm.Request, out *emitter) (string, error) {
	chunks := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		errc <- o.generator.Generate(ctx, req, func(c llm.Chunk) error {
			if c.Content == "" {
				return nil
			}
			select {
			case chunks <- c.Content:
				return nil
			case <-tok.Done():
				return tok.Err()
			}
		})
	}()
	// Wait for the generator to return before leaving so no chunk callback
	// outlives the turn.
	wait := func() {
		for range chunks {
		}
		<-errc
	}

	var answer strings.Builder
	for {
		select {
		case <-tok.Done():
			wait()
			return answer.String(), nil
		case chunk, ok := <-chunks:
			if !ok {
				return answer.String(), <-errc
			}
			if tok.Cancelled() {
				wait()
				return answer.String(), nil
			}
			answer.WriteString(chunk)
			if o.speech != nil && o.speechOn.Load() {
				o.speech.Push(chunk)
			}
			if !out.emit(chunk, nil) {
				o.Cancel()
				wait()
				return answer.String(), nil
			}
		}
	}
}

// drain lets queued speech finish. It reports false when the turn was
// cancelled while waiting.
func (o *Orchestrator) drain(tok *Token, logger *slog.Logger) bool {
	if o.speech == nil {
		return !tok.Cancelled()
	}
	if err := o.speech.Close(tok.Context(), true); err != nil {
		if tok.Cancelled() {
			return false
		}
		logger.Warn("speech drain failed", slogError(err))
	}
	return !tok.Cancelled()
}

// commit detaches the token so a late Cancel cannot claim a turn whose
// history is about to be written. It reports false when the turn was
// cancelled first.
func (o *Orchestrator) commit(tok *Token) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateCancelled || tok.Cancelled() {
		return false
	}
	o.token = nil
	return true
}

// cancelled silences speech and reports the cancellation cause to a caller
// that is still listening.
func (o *Orchestrator) cancelled(tok *Token, turnID string, out *emitter, logger *slog.Logger) string {
	o.mu.Lock()
	already := o.state == StateCancelled
	o.state = StateCancelled
	o.mu.Unlock()
	if !already {
		// The parent context ended the turn rather than Cancel.
		o.notify(turnID, StateCancelled)
	}
	if o.speech != nil {
		_ = o.speech.Close(context.Background(), false)
	}
	if err := tok.Err(); err != nil {
		out.emit("", err)
	}
	logger.Debug("turn ended after cancellation")
	return OutcomeCancelled
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
