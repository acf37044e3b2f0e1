package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/topicimg/internal/proxy"
)

// OpenRouterEngine serves chat completions from OpenRouter. Models are
// hosted remotely, so PullModel only checks availability.
type OpenRouterEngine struct {
	client *proxy.Client
}

// NewOpenRouterEngine wraps an OpenRouter client.
func NewOpenRouterEngine(client *proxy.Client) *OpenRouterEngine {
	return &OpenRouterEngine{client: client}
}

func (e *OpenRouterEngine) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	msgs, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("marshaling messages: %w", err)
	}

	extra := make(map[string]json.RawMessage)
	if opts.Temperature != nil {
		extra["temperature"], _ = json.Marshal(*opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		extra["max_tokens"], _ = json.Marshal(opts.MaxTokens)
	}
	if opts.JSON {
		extra["response_format"] = json.RawMessage(`{"type":"json_object"}`)
	}

	out, err := e.client.Complete(ctx, proxy.ChatRequest{Model: model, Messages: msgs, Extra: extra})

	var ae *proxy.APIError
	if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s (%v)", ErrModelNotFound, model, err)
	}
	return out, err
}

func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenRouterEngine) ListModels(ctx context.Context) ([]string, error) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenRouterEngine) HasModel(ctx context.Context, name string) bool {
	names, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (e *OpenRouterEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if !e.HasModel(ctx, name) {
		return fmt.Errorf("model %s is not offered by openrouter", name)
	}
	if onProgress != nil {
		onProgress(PullProgress{Status: "success"})
	}
	return nil
}
