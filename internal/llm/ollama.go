package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultOllamaModel is used when neither tier has a model configured.
const defaultOllamaModel = "llama3.2:latest"

// ollamaGenerator streams from Ollama's chat endpoint, which answers with one
// JSON object per line until an object with done set.
type ollamaGenerator struct {
	client        *http.Client
	chatURL       string
	modelFast     string
	modelBalanced string
}

func NewOllamaGenerator(endpoint, fastModel, balancedModel string) Generator {
	return &ollamaGenerator{
		client:        http.DefaultClient,
		chatURL:       strings.TrimRight(endpoint, "/") + "/api/chat",
		modelFast:     fastModel,
		modelBalanced: balancedModel,
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatLine struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	Error           string  `json:"error"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	chat := ollamaChatRequest{
		Model:    modelForTier(req.Tier, g.modelFast, g.modelBalanced, defaultOllamaModel),
		Messages: Conversation(req),
		Stream:   true,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		chat.Options = map[string]any{}
		if req.Temperature > 0 {
			chat.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chat.Options["num_predict"] = req.MaxTokens
		}
	}
	body, err := json.Marshal(chat)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.chatURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned %s: %s", resp.Status, bytes.TrimSpace(detail))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line ollamaChatLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("ollama: %s", line.Error)
		}
		chunk := Chunk{
			SessionID: req.SessionID,
			Content:   line.Message.Content,
			Partial:   !line.Done,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}
		if line.Done {
			chunk.PromptTokens = line.PromptEvalCount
			chunk.CompletionTokens = line.EvalCount
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if line.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("ollama stream ended without done")
}
