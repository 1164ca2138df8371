// Package ollama sends requests to a local Ollama server.
package ollama

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
)

// Client talks to one Ollama host for one model.
type Client struct {
	client *api.Client
	model  string
}

// New creates a client for model served at host.
func New(host, model string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid ollama host")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		client: api.NewClient(parsed, httpClient),
		model:  model,
	}, nil
}

// Send returns the content of the assistant reply.
func (c *Client) Send(ctx context.Context, req llm.Request) (string, error) {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, api.Message{Role: string(msg.Role), Content: msg.Content})
	}

	stream := false
	chat := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Options.Temperature,
			"num_predict": req.Options.MaxTokens,
		},
	}

	var reply api.ChatResponse
	err := c.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		reply = resp
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply.Message.Content, nil
}
