package router

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/nats-io/nats.go"
)

// Assistant is the part of the orchestrator the router drives.
type Assistant interface {
	Submit(ctx context.Context, text string) iter.Seq2[string, error]
	Cancel() bool
	EnableSpeech()
	DisableSpeech()
	SessionID() string
}

type request struct {
	id   string
	text string
}

// Service bridges bus subjects to a single assistant session. Prompts are
// served one at a time; a new prompt cancels the active turn and replaces
// any prompt still waiting.
type Service struct {
	cfg       config.RouterConfig
	timeout   time.Duration
	bus       *bus.Client
	assistant Assistant
	logger    *slog.Logger

	subs    []*nats.Subscription
	pending chan request
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

func NewService(parent context.Context, cfg config.RouterConfig, turnTimeout time.Duration, busClient *bus.Client, assistant Assistant, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		timeout:   turnTimeout,
		bus:       busClient,
		assistant: assistant,
		logger:    logger.With(slog.String("component", "router")),
		pending:   make(chan request, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus == nil {
		return errors.New("router requires a bus connection")
	}
	subscribe := []func() (*nats.Subscription, error){
		func() (*nats.Subscription, error) {
			return bus.Subscribe(s.bus, protocol.SubjectTranscriptFinal, s.handleTranscript)
		},
		func() (*nats.Subscription, error) { return bus.Subscribe(s.bus, protocol.SubjectPrompt, s.handlePrompt) },
		func() (*nats.Subscription, error) { return bus.Subscribe(s.bus, protocol.SubjectCancel, s.handleCancel) },
		func() (*nats.Subscription, error) { return bus.Subscribe(s.bus, protocol.SubjectSpeech, s.handleSpeech) },
	}
	for _, open := range subscribe {
		sub, err := open()
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker()
	s.logger.Info("router listening", slog.String("session_id", s.assistant.SessionID()))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.assistant.Cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.bus.Healthy()
}

// StateListener returns a callback that publishes orchestrator state changes
// on the turn status subject.
func (s *Service) StateListener() session.StateListener {
	return func(turnID string, state session.State) {
		if !s.cfg.Enabled || s.bus == nil {
			return
		}
		status := protocol.TurnStatus{
			SessionID: s.assistant.SessionID(),
			TurnID:    turnID,
			State:     state.String(),
			Timestamp: time.Now().UTC(),
		}
		if err := s.bus.PublishJSON(protocol.SubjectTurnStatus, status); err != nil {
			s.logger.Debug("publish turn status failed", slogError(err))
		}
	}
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleTranscript(transcript protocol.Transcript) {
	if transcript.Partial {
		return
	}
	s.enqueue(request{text: transcript.Text})
}

func (s *Service) handlePrompt(prompt protocol.Prompt) {
	s.enqueue(request{id: prompt.RequestID, text: prompt.Text})
}

func (s *Service) handleCancel(cancel protocol.Cancel) {
	if s.assistant.Cancel() {
		s.logger.Info("turn cancelled over bus", slog.String("reason", cancel.Reason))
	}
}

func (s *Service) handleSpeech(toggle protocol.SpeechToggle) {
	if toggle.Enabled {
		s.assistant.EnableSpeech()
	} else {
		s.assistant.DisableSpeech()
	}
	s.logger.Info("speech toggled", slog.Bool("enabled", toggle.Enabled))
}

// enqueue interrupts the active turn and hands the prompt to the worker.
// Only the newest prompt is kept.
func (s *Service) enqueue(req request) {
	req.text = strings.TrimSpace(req.text)
	if req.text == "" {
		return
	}
	if req.id == "" {
		req.id = uuid.NewString()
	}
	s.assistant.Cancel()
	for {
		select {
		case s.pending <- req:
			return
		default:
		}
		select {
		case stale := <-s.pending:
			s.logger.Debug("replacing queued prompt", slog.String("request_id", stale.id))
		default:
		}
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.pending:
			s.runTurn(req)
		}
	}
}

func (s *Service) runTurn(req request) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	logger := s.logger.With(slog.String("request_id", req.id))

	var (
		full    strings.Builder
		turnErr string
	)
	for chunk, err := range s.assistant.Submit(ctx, req.text) {
		if err != nil {
			switch {
			case errors.Is(err, session.ErrTurnInProgress):
				turnErr = "busy"
			case errors.Is(err, session.ErrCancelled), errors.Is(err, context.Canceled):
				turnErr = "cancelled"
			case errors.Is(err, context.DeadlineExceeded):
				turnErr = "timeout"
			default:
				turnErr = err.Error()
			}
			break
		}
		full.WriteString(chunk)
		s.publish(protocol.SubjectResponsePartial, protocol.ResponseChunk{
			SessionID: s.assistant.SessionID(),
			RequestID: req.id,
			Content:   chunk,
			Partial:   true,
			Timestamp: time.Now().UTC(),
		}, logger)
		if len(s.pending) > 0 {
			// A newer prompt is waiting; abandoning iteration cancels this turn.
			turnErr = "cancelled"
			break
		}
	}

	s.publish(protocol.SubjectResponseFinal, protocol.ResponseChunk{
		SessionID: s.assistant.SessionID(),
		RequestID: req.id,
		Content:   full.String(),
		Error:     turnErr,
		Timestamp: time.Now().UTC(),
	}, logger)
	if turnErr != "" {
		logger.Info("turn ended early", slog.String("reason", turnErr))
	}
}

func (s *Service) publish(subject string, chunk protocol.ResponseChunk, logger *slog.Logger) {
	if err := s.bus.PublishJSON(subject, chunk); err != nil {
		logger.Warn("router failed to publish response", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
