// Package openai sends requests to the OpenAI Responses API.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"worldcore/pkg/config"
	"worldcore/pkg/llm"
)

// Client wraps the official OpenAI client for one model.
type Client struct {
	client openai.Client
	model  string
}

// New creates a client for model.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Send returns the output text of the model's reply.
func (c *Client) Send(ctx context.Context, req llm.Request) (string, error) {
	maxTokens := req.Options.MaxTokens
	if info, ok := config.KnownModels[c.model]; ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flatten(req.Messages))},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.OutputText(), nil
}

// flatten renders a conversation as the single input string the Responses API accepts.
func flatten(messages []llm.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&sb, "System: %s\n\n", msg.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n\n", msg.Content)
		default:
			sb.WriteString(msg.Content)
		}
	}
	return sb.String()
}
