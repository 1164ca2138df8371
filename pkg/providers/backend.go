// Package providers builds llm.Provider implementations from configuration.
//
// Every backend shares the same accounting: structured requests get a JSON
// instruction and their reply is validated, token usage is counted with the
// shared tokenizer, cost comes from the model price table, and SDK errors are
// classified so a failover chain can decide whether to move on.
package providers

import (
	"context"
	"strings"
	"time"

	"worldcore/pkg/config"
	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
	"worldcore/pkg/tokens"
)

// sender is the raw vendor call. It returns the reply text and an unclassified error.
type sender interface {
	Send(ctx context.Context, req llm.Request) (string, error)
}

// Backend adapts a vendor sender to llm.Provider.
type Backend struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	sender      sender
	counter     *tokens.Counter
}

func newBackend(cfg config.ProviderConfig, s sender, counter *tokens.Counter) *Backend {
	if counter == nil {
		counter = tokens.NewCounter()
	}
	return &Backend{
		name:        cfg.Name,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		sender:      s,
		counter:     counter,
	}
}

// Name implements llm.Provider.
func (b *Backend) Name() string {
	return b.name
}

// Model returns the configured model name.
func (b *Backend) Model() string {
	return b.model
}

// Complete implements llm.Provider.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	call := llm.Request{
		Messages: llm.WithStructuredInstruction(req),
		Schema:   req.Schema,
		Options:  req.Options,
	}
	if call.Options.MaxTokens <= 0 {
		call.Options.MaxTokens = b.maxTokens
	}
	if call.Options.Temperature == 0 {
		call.Options.Temperature = b.temperature
	}

	start := time.Now()
	text, err := b.sender.Send(ctx, call)
	latency := time.Since(start)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(b.name, err)
	}
	if strings.TrimSpace(text) == "" {
		return llm.Response{}, llmerrors.Classify(b.name,
			llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "provider returned no text"))
	}

	contents := make([]string, 0, len(call.Messages))
	for _, m := range call.Messages {
		contents = append(contents, m.Content)
	}
	resp := llm.Response{
		Text:             text,
		Model:            b.model,
		Provider:         b.name,
		PromptTokens:     b.counter.CountAll(contents...),
		CompletionTokens: b.counter.Count(text),
		Latency:          latency,
	}
	resp.Cost = config.CalculateCost(b.model, resp.PromptTokens, resp.CompletionTokens)

	if req.Structured() {
		data, err := llm.ParseStructured(text, req.Schema)
		if err != nil {
			return llm.Response{}, llmerrors.Classify(b.name, err)
		}
		resp.Data = data
	}
	return resp, nil
}
