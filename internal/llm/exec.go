package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs a local model wrapper as a subprocess. The request is
// written to stdin as one JSON document. Every stdout line is a piece of the
// answer: either an execLine object or plain text.
type execGenerator struct {
	args []string
}

type execInput struct {
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	History     []Message `json:"history,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type execLine struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Done             bool   `json:"done,omitempty"`
}

const (
	// stderrTail keeps the end of a failing command's stderr for the error text.
	stderrTail = 512
	// maxStreamLine bounds one line of a streamed model response.
	maxStreamLine = 1 << 20
)

var errStopped = errors.New("consumer stopped")

func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{args: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execInput{
		Prompt:      req.Prompt,
		System:      req.System,
		History:     req.History,
		Tier:        req.Tier,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	cmd := exec.CommandContext(runCtx, g.args[0], g.args[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	var (
		consumerErr error
		usage       execLine
		done        bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for !done && scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var piece execLine
		if json.Unmarshal([]byte(line), &piece) != nil {
			piece = execLine{Content: line + "\n"}
		}
		done = piece.Done
		if piece.PromptTokens > 0 || piece.CompletionTokens > 0 {
			usage = piece
		}
		if piece.Content == "" {
			continue
		}
		if consumerErr = consumer(Chunk{
			SessionID: req.SessionID,
			Content:   piece.Content,
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); consumerErr != nil {
			stop(errStopped)
			break
		}
	}
	scanErr := scanner.Err()
	if done || consumerErr != nil {
		stop(errStopped)
	}
	waitErr := cmd.Wait()

	switch {
	case consumerErr != nil:
		return consumerErr
	case ctx.Err() != nil:
		return ctx.Err()
	case scanErr != nil:
		return fmt.Errorf("read llm command output: %w", scanErr)
	case waitErr != nil && !done:
		return fmt.Errorf("llm command failed: %w%s", waitErr, tail(stderr.Bytes()))
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}

func tail(stderr []byte) string {
	msg := bytes.TrimSpace(stderr)
	if len(msg) == 0 {
		return ""
	}
	if len(msg) > stderrTail {
		msg = msg[len(msg)-stderrTail:]
	}
	return ": " + string(msg)
}
