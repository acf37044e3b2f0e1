package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/topicimg/internal/ollama"
)

// OllamaEngine runs proposals on a local Ollama server.
type OllamaEngine struct {
	client *ollama.Client
}

func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

// Chat maps the server's 404 for an unpulled model to ErrModelNotFound.
func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	o := ollama.Options{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	out, err := e.client.Chat(ctx, model, msgs, o, opts.JSON)

	var se *ollama.StatusError
	if errors.As(err, &se) && se.NotFound() {
		return "", fmt.Errorf("%w: %s (%v)", ErrModelNotFound, model, err)
	}
	return out, err
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
