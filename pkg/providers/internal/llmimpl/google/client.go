// Package google sends requests to the Gemini API.
package google

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
)

// Client wraps a lazily created genai client for one model.
type Client struct {
	apiKey string
	model  string

	mu     sync.Mutex
	client *genai.Client
}

// New creates a client for model. The SDK client is created on first use.
func New(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "failed to create Gemini client")
	}
	c.client = client
	return client, nil
}

// Send returns the text of the model's reply. Structured requests ask for a
// JSON response body.
func (c *Client) Send(ctx context.Context, req llm.Request) (string, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return "", err
	}

	contents := toContents(req.Messages)
	if len(contents) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "request has no user content")
	}

	temperature := float32(req.Options.Temperature)
	//nolint:gosec // MaxTokens is bounded by configuration
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.Options.MaxTokens),
	}
	if system := req.System(); system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.Structured() {
		cfg.ResponseMIMEType = "application/json"
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return result.Text(), nil
}

// toContents converts non-system messages. Gemini calls the assistant "model".
func toContents(messages []llm.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem || msg.Content == "" {
			continue
		}
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents
}
