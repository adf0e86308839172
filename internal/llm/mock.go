package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	response string
	delay    time.Duration
}

// NewMockGenerator streams a canned response word by word. An empty
// response echoes the prompt.
func NewMockGenerator(response string, delay time.Duration) Generator {
	return &mockGenerator{response: response, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	content := m.response
	if content == "" {
		content = "You said: " + strings.TrimSpace(req.Prompt) + "."
	}
	start := time.Now()
	words := strings.SplitAfter(content, " ")
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   word,
			Partial:   i < len(words)-1,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return nil
}
