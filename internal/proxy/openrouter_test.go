package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessages(t *testing.T) json.RawMessage {
	t.Helper()
	msgs, err := json.Marshal([]map[string]string{{"role": "user", "content": "Find images for: ocean waves"}})
	require.NoError(t, err)
	return msgs
}

const completionJSON = `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"[\"1505142468610-359e7d316be0\"]"}}]}`

func TestComplete(t *testing.T) {
	var got map[string]any
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	out, err := c.Complete(context.Background(), ChatRequest{
		Model:    "anthropic/claude-3-haiku",
		Messages: testMessages(t),
		Extra: map[string]json.RawMessage{
			"temperature": json.RawMessage(`0.3`),
			"max_tokens":  json.RawMessage(`500`),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, `["1505142468610-359e7d316be0"]`, out)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "anthropic/claude-3-haiku", got["model"])
	assert.Equal(t, 0.3, got["temperature"])
	assert.Equal(t, float64(500), got["max_tokens"])
	assert.NotContains(t, got, "stream")
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Complete(context.Background(), ChatRequest{Model: "m", Messages: testMessages(t)})
	assert.Error(t, err)
}

func TestComplete_RateLimitRetried(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completionJSON)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Complete(context.Background(), ChatRequest{Model: "m", Messages: testMessages(t)})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempt.Load())
}

func TestComplete_RateLimitExhausted(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Complete(context.Background(), ChatRequest{Model: "m", Messages: testMessages(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, int32(maxRetries), attempt.Load())
}

func TestComplete_ServerErrorNotRetried(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Complete(context.Background(), ChatRequest{Model: "m", Messages: testMessages(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream exploded")
	assert.Equal(t, int32(1), attempt.Load())
}

func TestComplete_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"No endpoints found for acme/none.","code":404}}`)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Complete(context.Background(), ChatRequest{Model: "acme/none", Messages: testMessages(t)})
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, "No endpoints found for acme/none.", ae.Message)
	assert.False(t, ae.RateLimited())
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(ModelList{
			Object: "list",
			Data: []Model{
				{ID: "anthropic/claude-3-haiku", Object: "model"},
				{ID: "openai/gpt-4o-mini", Object: "model"},
			},
		})
	}))
	defer srv.Close()

	models, err := NewClientWithBaseURL("k", srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "anthropic/claude-3-haiku", models[0].ID)
}

func TestListModels_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ModelList{Object: "list"})
	}))
	defer srv.Close()

	models, err := NewClientWithBaseURL("k", srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
	assert.NotNil(t, models)
}
