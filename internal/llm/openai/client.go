// Package openai implements llm.Generator over github.com/openai/openai-go/v2,
// selected by CHAT_PROVIDER=openai.
package openai

import (
	"context"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Client is an OpenAI-backed Generator.
type Client struct {
	sdk   sdk.Client
	model string
}

// New builds a Client from an API key and model name.
func New(apiKey, model string) *Client {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		sdk:   sdk.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

func (c *Client) Generate(ctx context.Context, prompt string, temperature, topP float64, maxOutputTokens int) (string, error) {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage(prompt),
		},
		Temperature:         sdk.Float(temperature),
		TopP:                sdk.Float(topP),
		MaxCompletionTokens: sdk.Int(int64(maxOutputTokens)),
	}

	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(comp.Choices) == 0 {
		return "", nil
	}
	return comp.Choices[0].Message.Content, nil
}
