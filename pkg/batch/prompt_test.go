package batch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldcore/internal/mocks"
	"worldcore/pkg/llm"
	"worldcore/pkg/llmerrors"
)

func TestPromptProcessorCombinesPrompts(t *testing.T) {
	p := mocks.NewMockProvider("chain")
	p.OnComplete(func(_ context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Text: `{"answers": ["Hello, traveler.", "The inn is north."]}`}, nil
	})

	proc := PromptProcessor(p, PromptOptions{Instruction: "You are a villager."})
	results, err := proc(context.Background(), []string{"Greet me", "Where is the inn?"})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "Hello, traveler.", results[0].Value)
	assert.Equal(t, "The inn is north.", results[1].Value)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Structured())
	prompt := calls[0].Prompt()
	assert.True(t, strings.HasPrefix(prompt, "You are a villager."))
	assert.Less(t, strings.Index(prompt, "1. Greet me"), strings.Index(prompt, "2. Where is the inn?"))
}

func TestPromptProcessorSinglePromptSkipsCombining(t *testing.T) {
	p := mocks.NewMockProvider("chain")
	p.RespondWith("Hi.")

	results, err := PromptProcessor(p, PromptOptions{})(context.Background(), []string{"Greet me"})
	require.NoError(t, err)
	assert.Equal(t, "Hi.", results[0].Value)
	assert.False(t, p.Calls()[0].Structured())
}

func TestPromptProcessorFallsBackToSingleCalls(t *testing.T) {
	p := mocks.NewMockProvider("chain")
	p.OnComplete(func(_ context.Context, req llm.Request) (llm.Response, error) {
		if req.Structured() {
			return llm.Response{Text: `{"answers": ["only one"]}`}, nil
		}
		if req.Prompt() == "bad" {
			return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "flaky")
		}
		return llm.Response{Text: "re: " + req.Prompt()}, nil
	})

	results, err := PromptProcessor(p, PromptOptions{})(context.Background(), []string{"a", "bad", "c"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "re: a", results[0].Value)
	assert.Error(t, results[1].Err)
	assert.Equal(t, "re: c", results[2].Value)
	assert.Equal(t, 4, p.CallCount())
}

func TestPromptProcessorFailsBatchOnNonRetriableError(t *testing.T) {
	p := mocks.NewMockProvider("chain")
	p.FailWith(llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key"))

	_, err := PromptProcessor(p, PromptOptions{})(context.Background(), []string{"a", "b"})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.Equal(t, 1, p.CallCount())
}

func TestPromptProcessorThroughBatcher(t *testing.T) {
	p := mocks.NewMockProvider("chain")
	p.RespondWith(`{"answers": ["one", "two"]}`)

	b, err := New(PromptProcessor(p, PromptOptions{}), Config{BatchSize: 2, FlushTimeout: time.Hour})
	require.NoError(t, err)
	defer stop(t, b)

	got := make(chan string, 2)
	for _, prompt := range []string{"first", "second"} {
		go func() {
			v, err := b.Submit(context.Background(), prompt)
			assert.NoError(t, err)
			got <- v
		}()
	}
	assert.ElementsMatch(t, []string{"one", "two"}, []string{<-got, <-got})
	assert.Equal(t, 1, p.CallCount())
}
