package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Message is one prior exchange entry passed as conversation context.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	History     []Message
	Tier        string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend. Generate calls consumer for
// every chunk in order and stops as soon as ctx is done or consumer fails.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) Request {
	req := Request{
		System:      cfg.SystemPrompt,
		Tier:        cfg.DefaultTier,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req
}

// Conversation lays out a request as chat messages: the system prompt, the
// remembered turns, then the new prompt.
func Conversation(req Request) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		if m.Role != "assistant" {
			m.Role = "user"
		}
		msgs = append(msgs, m)
	}
	return append(msgs, Message{Role: "user", Content: req.Prompt})
}
