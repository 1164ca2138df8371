// Package llm defines the text-generation provider contract shared by the
// concrete backends, the failover chain and the request batcher.
package llm

import (
	"context"
	"strings"
	"time"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// Schema is a JSON Schema document describing a structured response.
type Schema map[string]any

// Options tune a single generation call. Zero values select provider defaults.
type Options struct {
	MaxTokens   int
	Temperature float64
	// Labels are attached to metrics and logs, e.g. {"agent": "npc_dialogue"}.
	Labels map[string]string
}

// Request is the normalized form of every generation call.
type Request struct {
	Messages []Message
	// Schema requests a JSON object conforming to it; Response.Data carries the parsed object.
	Schema  Schema
	Options Options
}

// Structured reports whether the request asks for structured output.
func (r Request) Structured() bool {
	return r.Schema != nil
}

// Prompt returns the concatenated non-system message content.
func (r Request) Prompt() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// System returns the concatenated system message content.
func (r Request) System() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Response is the result of a generation call.
type Response struct {
	Text             string
	Data             map[string]any // parsed object for structured requests
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	Cost             float64 // USD
	Latency          time.Duration
	Metadata         map[string]any
}

// TokenCount returns prompt plus completion tokens.
func (r Response) TokenCount() int {
	return r.PromptTokens + r.CompletionTokens
}

// Provider is a text-generation backend. Implementations return classified
// errors from package llmerrors so callers can tell transient failures from
// permanent ones.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Generate sends a single user prompt.
func Generate(ctx context.Context, p Provider, prompt string, opts Options) (Response, error) {
	return p.Complete(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
		Options:  opts,
	})
}

// Chat sends a conversation.
func Chat(ctx context.Context, p Provider, messages []Message, opts Options) (Response, error) {
	return p.Complete(ctx, Request{Messages: messages, Options: opts})
}

// Structured sends a prompt and asks for a JSON object matching schema.
func Structured(ctx context.Context, p Provider, prompt string, schema Schema, opts Options) (Response, error) {
	return p.Complete(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
		Schema:   schema,
		Options:  opts,
	})
}
