package engine

import (
	"context"
	"errors"
)

// ErrModelNotFound means the backend does not have the requested model.
// Retrying the same call cannot succeed.
var ErrModelNotFound = errors.New("model not found")

// Engine abstracts the text-completion backend that proposes candidate
// images (a local Ollama server or OpenRouter). The retriever talks to it
// only through a Proposer.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel makes a model available. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
