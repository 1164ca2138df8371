// Package tokens counts tokens for prompt budgeting, rate limiting and cost accounting.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens with the GPT-4 encoding. Other vendors' tokenizers
// are close enough for budgeting purposes.
type Counter struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewCounter returns a counter. The codec is loaded on first use.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) load() tokenizer.Codec {
	c.once.Do(func() {
		codec, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			c.codec = codec
		}
	})
	return c.codec
}

// Count returns the number of tokens in text, falling back to a
// four-characters-per-token estimate when the codec is unavailable.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	codec := c.load()
	if codec == nil {
		return estimate(text)
	}
	count, err := codec.Count(text)
	if err != nil {
		return estimate(text)
	}
	return count
}

// CountAll sums Count over texts.
func (c *Counter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// Truncate shortens text to roughly limit tokens. It cuts proportionally by
// characters, not on token boundaries.
func (c *Counter) Truncate(text string, limit int) string {
	current := c.Count(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}

func estimate(text string) int {
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}
