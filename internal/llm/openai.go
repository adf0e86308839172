package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/net/proxy"
)

type OpenAIOptions struct {
	APIKey        string
	BaseURL       string // empty for api.openai.com; any OpenAI compatible server otherwise
	Proxy         string // optional SOCKS5 address, host:port
	ModelFast     string
	ModelBalanced string
}

type openAIGenerator struct {
	client        openai.Client
	modelFast     string
	modelBalanced string
}

// NewOpenAIGenerator streams chat completions from an OpenAI compatible API.
func NewOpenAIGenerator(opts OpenAIOptions) (Generator, error) {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(1),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Proxy != "" {
		httpClient, err := newSocksClient(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("dial socks proxy %s: %w", opts.Proxy, err)
		}
		clientOpts = append(clientOpts, option.WithHTTPClient(httpClient))
	}
	return &openAIGenerator{
		client:        openai.NewClient(clientOpts...),
		modelFast:     opts.ModelFast,
		modelBalanced: opts.ModelBalanced,
	}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	conv := Conversation(req)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(conv))
	for _, m := range conv {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    modelForTier(req.Tier, g.modelFast, g.modelBalanced, openai.ChatModelGPT4oMini),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          choice.Delta.Content,
			Partial:          choice.FinishReason == "",
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

func newSocksClient(socksAddr string) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
	}
	return &http.Client{Transport: transport}, nil
}
