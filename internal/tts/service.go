package tts

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Announcer queues a complete phrase for playback.
type Announcer interface {
	Enqueue(text string)
}

// Service speaks text published on the say subject. Announcements share the
// playback queue with assistant answers so they never overlap.
type Service struct {
	bus       *bus.Client
	announcer Announcer
	sub       *nats.Subscription
	mu        sync.Mutex
	logger    *slog.Logger
}

func NewService(busClient *bus.Client, announcer Announcer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		bus:       busClient,
		announcer: announcer,
		logger:    log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil || s.announcer == nil {
		return errors.New("tts service requires a bus and an announcer")
	}
	sub, err := bus.Subscribe(s.bus, protocol.SubjectSay, s.handleSay)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Drain()
		s.sub = nil
	}
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

func (s *Service) handleSay(req protocol.Say) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return
	}
	s.announcer.Enqueue(text)
	s.logger.Debug("announcement queued", slog.Int("chars", len(text)))
}
