package agent

import (
	"context"

	"github.com/ashureev/mcp-chat-gateway/internal/llm"
)

// ModelSource resolves a model name to a streaming model client.
// An empty name selects the configured default.
type ModelSource interface {
	ForModel(ctx context.Context, name string) (llm.Model, error)
}

// Ensure the llm factory implements ModelSource.
var _ ModelSource = (*llm.Factory)(nil)
