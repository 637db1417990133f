package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"golang.org/x/time/rate"

	"github.com/qs3c/doc_intel_server/config"
)

var ErrEmptyResponse = errors.New("llm returned empty response")

// Completer 文本进、文本出的模型调用
type Completer interface {
	Complete(ctx context.Context, instructions, prompt string) (string, error)
}

// Client OpenAI Responses API 客户端，带令牌桶限速
type Client struct {
	client  openai.Client
	model   string
	limiter *rate.Limiter
}

func NewClient(cfg *config.LLMConfig) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *Client) Complete(ctx context.Context, instructions, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limiter: %w", err)
	}

	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
