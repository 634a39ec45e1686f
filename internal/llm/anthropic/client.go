// Package anthropic implements llm.Generator over
// github.com/anthropics/anthropic-sdk-go, selected by CHAT_PROVIDER=anthropic.
package anthropic

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens int64 = 1024

// Client is an Anthropic-backed Generator.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New builds a Client from an API key and model name.
func New(apiKey, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *Client) Generate(ctx context.Context, prompt string, temperature, topP float64, maxOutputTokens int) (string, error) {
	maxTokens := defaultMaxTokens
	if maxOutputTokens > 0 {
		maxTokens = int64(maxOutputTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(temperature),
		TopP:        anthropic.Float(topP),
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
