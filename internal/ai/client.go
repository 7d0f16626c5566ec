// Package ai drafts lead replies with the Anthropic Messages API.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/leadflow/internal/config"
	"github.com/leadflow/pkg/logger"
	"github.com/leadflow/pkg/ratelimit"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024

	jsonOnlyInstruction = "\n\nRespond with a single JSON object and nothing else: no markdown fences, no commentary."
)

// Client drafts auto-responses. Calls share the anthropic rate limiter with
// everything else in the process.
type Client struct {
	api       anthropic.Client
	model     string
	maxTokens int64
	limiter   *ratelimit.MultiLimiter
	log       *logger.Logger
}

// NewClient builds a drafting client. Empty model and token settings fall back to defaults.
func NewClient(cfg config.AnthropicConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	c := &Client{
		api:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		limiter:   limiter,
		log:       log.WithComponent("ai"),
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	return c
}

// completeJSON asks for a JSON-only answer and returns the concatenated text blocks
func (c *Client) completeJSON(ctx context.Context, system, prompt string) (string, error) {
	if c.limiter != nil && c.limiter.Has(ratelimit.LimiterAnthropic) {
		if err := c.limiter.Wait(ctx, ratelimit.LimiterAnthropic); err != nil {
			return "", fmt.Errorf("rate limit error: %w", err)
		}
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Type: "text", Text: system + jsonOnlyInstruction}},
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		out.WriteString(block.AsText().Text)
	}

	c.log.Debug().
		Str("model", c.model).
		Int64("input_tokens", msg.Usage.InputTokens).
		Int64("output_tokens", msg.Usage.OutputTokens).
		Msg("Draft completed")

	return out.String(), nil
}
