// Package llm wraps OpenAI-compatible chat and embedding endpoints behind
// the small interfaces the mixer and selector consume.
package llm

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// Usage reports token consumption for one completion call.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	DurationMs       int64 `json:"duration_ms"`
}

// Config selects the provider and model for a chat service.
type Config struct {
	Provider    string // openai, deepseek, siliconflow, dashscope, ollama
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default 2048
	Temperature float32 // default 0.7
	Timeout     time.Duration
}

// Service performs synchronous chat completions.
type Service interface {
	// Chat sends a system prompt and user content and returns the
	// completion text with its usage.
	Chat(ctx context.Context, system, user string) (string, *Usage, error)

	// Warmup sends a one-token ping so the first real request does not
	// pay the connection setup cost. Failures are logged, never fatal.
	Warmup(ctx context.Context)
}

type service struct {
	client      *openai.Client
	model       string
	provider    string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// providerBaseURLs maps providers to their OpenAI-compatible endpoints.
// An empty value keeps the client library default.
var providerBaseURLs = map[string]string{
	"openai":      "",
	"deepseek":    "https://api.deepseek.com",
	"siliconflow": "https://api.siliconflow.cn/v1",
	"dashscope":   "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"ollama":      "http://localhost:11434/v1",
}

// NewService builds a chat service for any OpenAI-compatible provider.
func NewService(cfg Config) (Service, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm: model is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		known, ok := providerBaseURLs[cfg.Provider]
		if !ok {
			slog.Info("llm: unknown provider, using OpenAI-compatible defaults", "provider", cfg.Provider)
		}
		baseURL = known
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
	}, nil
}

func (s *service) Chat(ctx context.Context, system, user string) (string, *Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: user,
	})

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    messages,
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "llm chat failed")
	}
	if len(resp.Choices) == 0 {
		return "", nil, errors.New("llm returned no choices")
	}

	duration := time.Since(start)
	usage := &Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		DurationMs:       duration.Milliseconds(),
	}

	slog.Debug("llm: chat completed",
		"model", s.model,
		"total_tokens", usage.TotalTokens,
		"duration_ms", usage.DurationMs)

	return resp.Choices[0].Message.Content, usage, nil
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.client.CreateChatCompletion(warmupCtx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		slog.Warn("llm: warmup ping failed, first request may be slower",
			"provider", s.provider, "model", s.model, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}
	slog.Info("llm: connection warmed up",
		"provider", s.provider, "model", s.model,
		"duration_ms", time.Since(start).Milliseconds())
}

// ChatFunc adapts a plain function to Service.
type ChatFunc func(ctx context.Context, system, user string) (string, *Usage, error)

func (f ChatFunc) Chat(ctx context.Context, system, user string) (string, *Usage, error) {
	return f(ctx, system, user)
}

func (f ChatFunc) Warmup(context.Context) {}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
