package proxy

import "encoding/json"

// ChatRequest is an OpenAI-compatible chat completion request. Messages are
// pre-encoded; Extra carries sampling fields (temperature, max_tokens,
// response_format) merged into the top-level object.
type ChatRequest struct {
	Model    string
	Messages json.RawMessage
	Extra    map[string]json.RawMessage
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(r.Extra)+2)
	for k, v := range r.Extra {
		m[k] = v
	}
	model, err := json.Marshal(r.Model)
	if err != nil {
		return nil, err
	}
	m["model"] = model
	if r.Messages != nil {
		m["messages"] = r.Messages
	}
	return json.Marshal(m)
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type ChatCompletion struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}
