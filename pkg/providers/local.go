package providers

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
	"unicode/utf8"

	"worldcore/pkg/llm"
)

// Local is the offline last resort of a failover chain. It never calls out:
// replies are picked deterministically from a fixed set of lines, and
// structured requests get the smallest object the schema requires.
type Local struct {
	lines []string
}

// NewLocal creates a local sender serving lines.
func NewLocal(lines []string) *Local {
	if len(lines) == 0 {
		lines = []string{"..."}
	}
	return &Local{lines: append([]string(nil), lines...)}
}

// Send implements sender.
func (l *Local) Send(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line := l.line(req.Prompt())
	if !req.Structured() {
		return line, nil
	}
	raw, err := json.Marshal(stub(map[string]any(req.Schema), line))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (l *Local) line(prompt string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return l.lines[h.Sum32()%uint32(len(l.lines))] //nolint:gosec // len is small
}

// stub builds a value for schema filling only required properties. Strings
// become text padded to minLength, enums take their first value and arrays
// hold minItems copies of their item stub.
func stub(schema map[string]any, text string) any {
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		return enum[0]
	}
	if c, ok := schema["const"]; ok {
		return c
	}

	switch schemaType(schema) {
	case "string":
		if n := bound(schema, "minLength"); utf8.RuneCountInString(text) < n {
			text += strings.Repeat(".", n-utf8.RuneCountInString(text))
		}
		return text
	case "integer", "number":
		if minimum, ok := number(schema["minimum"]); ok && minimum > 0 {
			return minimum
		}
		return 0
	case "boolean":
		return false
	case "array":
		n := bound(schema, "minItems")
		out := make([]any, n)
		for i := range out {
			out[i] = stub(asMap(schema["items"]), text)
		}
		return out
	case "null":
		return nil
	}

	obj := map[string]any{}
	props := asMap(schema["properties"])
	for _, name := range required(schema) {
		obj[name] = stub(asMap(props[name]), text)
	}
	return obj
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func bound(schema map[string]any, key string) int {
	n, ok := number(schema[key])
	if !ok || n < 0 {
		return 0
	}
	return int(math.Ceil(n))
}

func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case llm.Schema:
		return m
	}
	return nil
}

func schemaType(schema map[string]any) string {
	switch t := schema["type"].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			s, _ := t[0].(string)
			return s
		}
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	}
	return "object"
}

func required(schema map[string]any) []string {
	switch r := schema["required"].(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, v := range r {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
