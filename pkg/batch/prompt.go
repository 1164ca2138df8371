package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
)

// PromptOptions tune PromptProcessor.
type PromptOptions struct {
	// Instruction is prepended to every combined prompt.
	Instruction string
	Options     llm.Options
}

// PromptProcessor answers a batch of prompts with one structured call to p,
// usually a failover chain. The reply must carry one answer per prompt in
// order. When the combined call fails with a retryable error, each prompt is
// sent on its own so one bad prompt cannot fail its neighbours.
func PromptProcessor(p llm.Provider, opts PromptOptions) Processor[string, string] {
	single := func(ctx context.Context, prompt string) (string, error) {
		resp, err := llm.Generate(ctx, p, prompt, opts.Options)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
	each := PerItem(single)

	return func(ctx context.Context, prompts []string) ([]Result[string], error) {
		if len(prompts) == 1 {
			return each(ctx, prompts)
		}

		schema := answersSchema(len(prompts))
		resp, err := llm.Structured(ctx, p, combinedPrompt(opts.Instruction, prompts), schema, opts.Options)
		if err != nil {
			if ctx.Err() != nil || !llmerrors.IsRetryable(err) {
				return nil, err
			}
			return each(ctx, prompts)
		}

		data := resp.Data
		if data == nil {
			if data, err = llm.ParseStructured(resp.Text, schema); err != nil {
				return each(ctx, prompts)
			}
		}
		answers, err := splitAnswers(data, len(prompts))
		if err != nil {
			return each(ctx, prompts)
		}
		out := make([]Result[string], len(answers))
		for i, a := range answers {
			out[i] = Result[string]{Value: a}
		}
		return out, nil
	}
}

func combinedPrompt(instruction string, prompts []string) string {
	var sb strings.Builder
	if instruction != "" {
		sb.WriteString(instruction)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Answer each of the following %d requests independently. "+
		"Put the answer to request i at position i of the \"answers\" array.\n", len(prompts))
	for i, p := range prompts {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, p)
	}
	return sb.String()
}

func answersSchema(n int) llm.Schema {
	return llm.Schema{
		"type": "object",
		"properties": map[string]any{
			"answers": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": n,
				"maxItems": n,
			},
		},
		"required": []any{"answers"},
	}
}

func splitAnswers(data map[string]any, n int) ([]string, error) {
	raw, ok := data["answers"].([]any)
	if !ok || len(raw) != n {
		return nil, errors.New("reply does not carry one answer per prompt")
	}
	out := make([]string, n)
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("answer %d is not a string", i+1)
		}
		out[i] = s
	}
	return out, nil
}
