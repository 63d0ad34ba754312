// Package llm defines the inference-service boundary for the extraction
// loop. Every network-facing call in the system goes through the Service
// interface, so providers are fully substitutable (mock or real) without
// touching generator, reflector, or curator logic.
package llm

import (
	"context"
)

// Request describes a single completion request.
type Request struct {
	Prompt      string
	System      string // Optional system guidance, separate from the user prompt
	Model       string
	MaxTokens   int
	Temperature float64
}

// TokenUsage tracks prompt and completion token counts.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response carries the completion text and usage accounting.
type Response struct {
	Completion string
	Usage      *TokenUsage
}

// Service is the only contract the loop has with an inference provider.
// Implementations return errors coded RateLimited, Timeout, or
// InferenceFailed so callers can distinguish transient failures.
type Service interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ServiceFunc adapts a plain function to the Service interface. Tests use
// this to script deterministic completions.
type ServiceFunc func(ctx context.Context, req Request) (*Response, error)

func (f ServiceFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
