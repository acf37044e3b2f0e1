package engine

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a single completion. Zero values leave the backend's
// defaults in place.
type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
	// JSON asks the backend to constrain output to a JSON document.
	JSON bool
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
