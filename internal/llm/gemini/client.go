// Package gemini implements llm.Generator over google.golang.org/genai,
// the default chat-generation backend.
package gemini

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// Client is the default Generator, backed by the Gemini API.
type Client struct {
	sdk   *genai.Client
	model string
}

// New builds a Client bound to a single API key (key rotation for
// generation, unlike embedding, is not required by spec.md; the first
// configured key is used).
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "gemini-2.5-flash-lite"
	}
	return &Client{sdk: sdk, model: model}, nil
}

func (c *Client) Generate(ctx context.Context, prompt string, temperature, topP float64, maxOutputTokens int) (string, error) {
	t := float32(temperature)
	p := float32(topP)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &t,
		TopP:            &p,
		MaxOutputTokens: int32(maxOutputTokens),
	}

	resp, err := c.sdk.Models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}
