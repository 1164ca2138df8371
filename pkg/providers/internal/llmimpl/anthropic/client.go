// Package anthropic sends requests to the Anthropic Messages API.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
)

// Client wraps the Anthropic SDK client for one model.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a client for model.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Send returns the text of the model's reply. System messages become the
// top-level system prompt; consecutive turns of one role are merged because
// the API requires strict user/assistant alternation.
func (c *Client) Send(ctx context.Context, req llm.Request) (string, error) {
	turns := alternate(req.Messages)
	if len(turns) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "request has no user content")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(turns[i].Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(turns[i].Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(req.Options.MaxTokens),
		Temperature: anthropic.Float(req.Options.Temperature),
	}
	if system := req.System(); system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: system,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}

	var sb strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return sb.String(), nil
}

// alternate drops system messages and merges consecutive turns of the same
// role. A leading assistant turn is dropped since the API requires the
// conversation to open with the user.
func alternate(messages []llm.Message) []llm.Message {
	var out []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem || msg.Content == "" {
			continue
		}
		if len(out) == 0 && msg.Role != llm.RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, msg)
	}
	return out
}
