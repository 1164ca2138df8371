package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"worldcore/pkg/llmerrors"
)

const schemaURL = "mem://worldcore/structured.json"

//nolint:gochecknoglobals // compiled schema cache keyed by schema JSON
var compiled sync.Map

// CompileSchema compiles schema, reusing earlier compilations of identical documents.
func CompileSchema(schema Schema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	if s, ok := compiled.Load(string(raw)); ok {
		return s.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	compiled.Store(string(raw), s)
	return s, nil
}

// StructuredInstruction is the system instruction sent with structured requests.
func StructuredInstruction(schema Schema) string {
	raw, _ := json.MarshalIndent(schema, "", "  ")
	return "Respond with a single JSON object and nothing else. " +
		"The object must conform to this JSON Schema:\n" + string(raw)
}

// WithStructuredInstruction returns req's messages with the structured-output
// instruction prepended as a system message. Requests without a schema are unchanged.
func WithStructuredInstruction(req Request) []Message {
	if !req.Structured() {
		return req.Messages
	}
	msgs := make([]Message, 0, len(req.Messages)+1)
	msgs = append(msgs, Message{Role: RoleSystem, Content: StructuredInstruction(req.Schema)})
	return append(msgs, req.Messages...)
}

// ExtractJSON returns the outermost JSON object or array in text, ignoring
// markdown fences and surrounding prose.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return ""
	}
	return text[start : end+1]
}

// ParseStructured extracts a JSON object from text and validates it against
// schema. Failures are classified as invalid output so a failover chain moves on.
func ParseStructured(text string, schema Schema) (map[string]any, error) {
	raw := ExtractJSON(text)
	if raw == "" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeInvalidOutput, "response contains no JSON object")
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeInvalidOutput, err, "response is not valid JSON")
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeInvalidOutput, "response is not a JSON object")
	}

	if schema != nil {
		s, err := CompileSchema(schema)
		if err != nil {
			return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid response schema")
		}
		if err := s.Validate(value); err != nil {
			return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeInvalidOutput, err, "response does not match schema")
		}
	}
	return obj, nil
}
