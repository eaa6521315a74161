package llm

import (
	"context"
)

// LLMClient is one generative backend. Implementations wrap a provider
// SDK and must honor ctx cancellation and deadlines.
type LLMClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
