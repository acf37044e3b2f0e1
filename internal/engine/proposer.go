package engine

import (
	"context"
	"errors"
	"fmt"
)

// Request is one proposal call: who asked (topic, context, strategy) and
// the prompt a strategy rendered for it.
type Request struct {
	Topic    string
	Context  string
	Strategy string

	Model    string
	Messages []Message
	Options  ChatOptions

	// Parse turns the raw completion into ranked candidate ids or URLs.
	Parse func(string) []string
}

// ChatProposer proposes candidate image ids by chatting with an Engine.
type ChatProposer struct {
	Engine Engine
	// Model is used when a request does not name one.
	Model string
}

// Propose runs one completion and returns its ranked candidates. An empty
// slice with a nil error means the model answered but proposed nothing.
func (p *ChatProposer) Propose(ctx context.Context, req Request) ([]string, error) {
	if req.Parse == nil {
		return nil, errors.New("request has no response parser")
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}

	out, err := p.Engine.Chat(ctx, model, req.Messages, req.Options)
	if err != nil {
		return nil, fmt.Errorf("proposing for %q with %s: %w", req.Topic, req.Strategy, err)
	}
	return req.Parse(out), nil
}
