package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/llm"
)

// Intent is one command recognised in the user's request.
type Intent struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// Classifier maps free text to zero or more intents. An empty result means
// the text is plain conversation.
type Classifier interface {
	Classify(ctx context.Context, text string) ([]Intent, error)
}

var (
	fenceRe = regexp.MustCompile("```(?:json)?")
	arrayRe = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*\]`)
)

const systemPrompt = `You convert a voice command into a JSON array of actions.
Reply with JSON only, no prose and no markdown.
Each element has the form {"action": "<name>", "args": {...}}.
Use only these actions:
%s
If the request needs none of them, reply with [].`

// LLMClassifier asks a small model for a JSON action list.
type LLMClassifier struct {
	generator llm.Generator
	tier      string
	maxTokens int
	actions   func() []string
}

// NewLLMClassifier builds a classifier. actions lists the names the model
// may choose from; it is consulted on every call so newly registered
// actions are offered immediately.
func NewLLMClassifier(generator llm.Generator, tier string, maxTokens int, actions func() []string) *LLMClassifier {
	return &LLMClassifier{generator: generator, tier: tier, maxTokens: maxTokens, actions: actions}
}

// Classify returns the intents found in text. Output the model gets wrong is
// not an error: it yields no intents. Only transport failures are returned.
func (c *LLMClassifier) Classify(ctx context.Context, text string) ([]Intent, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var names []string
	if c.actions != nil {
		names = c.actions()
	}
	if len(names) == 0 {
		return nil, nil
	}

	req := llm.Request{
		Prompt:    "User: " + text + "\nJSON:",
		System:    fmt.Sprintf(systemPrompt, "- "+strings.Join(names, "\n- ")),
		Tier:      c.tier,
		MaxTokens: c.maxTokens,
	}
	var raw strings.Builder
	err := c.generator.Generate(ctx, req, func(chunk llm.Chunk) error {
		raw.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return Parse(raw.String()), nil
}

// Parse extracts the first JSON array of action objects from model output.
// Anything unparseable yields nil.
func Parse(raw string) []Intent {
	clean := strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))
	match := arrayRe.FindString(clean)
	if match == "" {
		return nil
	}
	var items []Intent
	if err := json.Unmarshal([]byte(match), &items); err != nil {
		return nil
	}
	out := items[:0]
	for _, item := range items {
		item.Action = strings.TrimSpace(item.Action)
		if item.Action == "" {
			continue
		}
		if item.Args == nil {
			item.Args = map[string]any{}
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
