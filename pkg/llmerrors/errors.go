// Package llmerrors classifies text-generation backend errors so callers can
// decide whether another provider is worth trying.
package llmerrors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents a category of backend error.
type ErrorType int8

const (
	// Retriable on another provider.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded, local budget spent).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content.
	ErrorTypeEmptyResponse
	// ErrorTypeInvalidOutput represents content that failed to parse or validate.
	ErrorTypeInvalidOutput
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown

	// Never retried on another provider.

	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed requests (400, prompt too long).
	ErrorTypeBadPrompt
	// ErrorTypeContentFilter represents a safety or policy rejection.
	ErrorTypeContentFilter
	// ErrorTypeModelNotFound represents a misconfigured model name (404).
	ErrorTypeModelNotFound
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeInvalidOutput:
		return "invalid_output"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeContentFilter:
		return "content_filter"
	case ErrorTypeModelNotFound:
		return "model_not_found"
	default:
		return "invalid"
	}
}

// Error represents a classified backend error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Provider   string    // Provider that produced the error, if known
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := "backend error"
	if e.Provider != "" {
		prefix = e.Provider + " error"
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %s: %v", prefix, e.Type, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s (%s): %s", prefix, e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", prefix, e.Type, e.Err)
	default:
		return fmt.Sprintf("%s (%s): status %d", prefix, e.Type, e.StatusCode)
	}
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another provider might succeed.
// Uses a blocklist: everything is retryable unless explicitly excluded.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeContentFilter, ErrorTypeModelNotFound:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsRetryable reports whether err should move a failover chain to its next provider.
// Unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return true
}

// NewError creates a new classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// FromStatus maps an HTTP status code to an error type. ok is false for
// codes that carry no classification.
func FromStatus(statusCode int) (ErrorType, bool) {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth, true
	case statusCode == 404:
		return ErrorTypeModelNotFound, true
	case statusCode == 429:
		return ErrorTypeRateLimit, true
	case statusCode == 400 || statusCode == 413 || statusCode == 422:
		return ErrorTypeBadPrompt, true
	case statusCode == 408 || statusCode >= 500 && statusCode <= 599:
		return ErrorTypeTransient, true
	default:
		return ErrorTypeUnknown, false
	}
}

// Classify maps an SDK or transport error to a classified error. Errors that
// are already classified are returned unchanged apart from the provider tag.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		if llmErr.Provider != "" || provider == "" {
			return err
		}
		tagged := *llmErr
		tagged.Provider = provider
		return &tagged
	}

	classified := classify(err)
	classified.Provider = provider
	return classified
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	if statusCode := ExtractStatusCode(errStr); statusCode != 0 {
		if errorType, ok := FromStatus(statusCode); ok {
			e := NewErrorWithCause(errorType, err, fmt.Sprintf("status %d", statusCode))
			e.StatusCode = statusCode
			return e
		}
	}

	switch {
	case strings.Contains(lower, "model") && strings.Contains(lower, "not found"):
		return NewErrorWithCause(ErrorTypeModelNotFound, err, "model not found")
	case strings.Contains(lower, "content filter") ||
		strings.Contains(lower, "content_filter") ||
		strings.Contains(lower, "safety") ||
		strings.Contains(lower, "blocked"):
		return NewErrorWithCause(ErrorTypeContentFilter, err, "content rejected")
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "connection") ||
		strings.Contains(lower, "network") ||
		strings.Contains(lower, "temporary") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(lower, "reset"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "overloaded"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "api key") ||
		strings.Contains(lower, "authentication"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	default:
		return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
	}
}

// ExtractStatusCode finds an HTTP status code embedded in an SDK error string.
// Returns 0 when none is present.
func ExtractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, pattern := range []string{"status code: ", "status code ", "status: ", "status ", "http "} {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		if start+3 > len(lower) {
			continue
		}
		code := 0
		valid := true
		for _, ch := range lower[start : start+3] {
			if ch < '0' || ch > '9' {
				valid = false
				break
			}
			code = code*10 + int(ch-'0')
		}
		if valid && code >= 100 && code <= 599 {
			return code
		}
	}
	return 0
}

// SanitizePrompt creates a safe representation of a prompt for logging.
// For large prompts, it returns first/last portions plus a hash of the full content.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	halfMax := maxChars / 2
	if halfMax < 16 {
		halfMax = 16
	}
	if 2*halfMax >= len(prompt) {
		return prompt
	}

	hash := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s...[%d chars, hash:%x]...%s",
		prompt[:halfMax], len(prompt), hash[:8], prompt[len(prompt)-halfMax:])
}
