package config

import (
	"fmt"
	"strings"
)

// ModelInfo contains static information about a known model.
type ModelInfo struct {
	Provider         string  // API provider
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels holds pricing for common models. Unknown models are priced at zero
// and their provider is inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":   {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-haiku-4-5":    {Provider: ProviderAnthropic, InputCPM: 1.0, OutputCPM: 5.0, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-opus-4-1":     {Provider: ProviderAnthropic, InputCPM: 15.0, OutputCPM: 75.0, MaxContextTokens: 200000, MaxOutputTokens: 16384},
	"gpt-4o":              {Provider: ProviderOpenAI, InputCPM: 2.5, OutputCPM: 10.0, MaxContextTokens: 128000, MaxOutputTokens: 4096},
	"gpt-4o-mini":         {Provider: ProviderOpenAI, InputCPM: 0.15, OutputCPM: 0.6, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"o4-mini":             {Provider: ProviderOpenAI, InputCPM: 1.1, OutputCPM: 4.4, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"gemini-2.0-flash":    {Provider: ProviderGoogle, InputCPM: 0.10, OutputCPM: 0.40, MaxContextTokens: 1048576, MaxOutputTokens: 8192},
	"gemini-2.5-flash":    {Provider: ProviderGoogle, InputCPM: 0.30, OutputCPM: 2.50, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"llama3.1:8b":         {Provider: ProviderOllama, MaxContextTokens: 131072, MaxOutputTokens: 4096},
	"qwen2.5:7b":          {Provider: ProviderOllama, MaxContextTokens: 32768, MaxOutputTokens: 4096},
	"mistral-nemo:latest": {Provider: ProviderOllama, MaxContextTokens: 131072, MaxOutputTokens: 4096},
}

// ProviderPattern infers a provider from a model-name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns lets new models be used without code changes.
//
//nolint:gochecknoglobals // inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
	{"gemma", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// GetModelProvider returns the API provider for a model.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns the model's registry entry, or an inferred zero-priced
// entry and false when the model is unknown.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{Provider: provider, MaxContextTokens: 32768, MaxOutputTokens: 4096}, false
}

// CalculateCost returns the USD cost of a call. Unknown models cost nothing.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, exists := KnownModels[modelName]
	if !exists {
		return 0
	}
	inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
	outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
	return inputCost + outputCost
}
