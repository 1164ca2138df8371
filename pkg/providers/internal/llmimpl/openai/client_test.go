package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"worldcore/pkg/llm"
)

func TestFlatten(t *testing.T) {
	got := flatten([]llm.Message{
		{Role: llm.RoleSystem, Content: "Speak like a pirate."},
		{Role: llm.RoleAssistant, Content: "Arr."},
		{Role: llm.RoleUser, Content: "Where is the treasure?"},
	})
	assert.Equal(t, "System: Speak like a pirate.\n\nAssistant: Arr.\n\nWhere is the treasure?", got)
}
