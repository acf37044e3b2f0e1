package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/topicimg/internal/proxy"
)

func openRouterServer(t *testing.T, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			fmt.Fprint(w, `{"object":"list","data":[{"id":"openai/gpt-4o-mini","object":"model"}]}`)
		case "/chat/completions":
			if got != nil {
				json.NewDecoder(r.Body).Decode(got)
			}
			fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"[\"2166711\"]"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenRouterEngine_Chat(t *testing.T) {
	var got map[string]any
	srv := openRouterServer(t, &got)

	temp := 0.7
	e := NewOpenRouterEngine(proxy.NewClientWithBaseURL("k", srv.URL))
	out, err := e.Chat(context.Background(), "openai/gpt-4o-mini", []Message{{Role: "user", Content: "ocean"}},
		ChatOptions{Temperature: &temp, MaxTokens: 300, JSON: true})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `["2166711"]` {
		t.Errorf("got %q", out)
	}
	if got["temperature"] != 0.7 || got["max_tokens"] != float64(300) {
		t.Errorf("sampling params not forwarded: %v", got)
	}
	if rf, _ := got["response_format"].(map[string]any); rf["type"] != "json_object" {
		t.Errorf("response_format = %v", got["response_format"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("messages = %v", got["messages"])
	}
}

func TestOpenRouterEngine_Models(t *testing.T) {
	srv := openRouterServer(t, nil)
	e := NewOpenRouterEngine(proxy.NewClientWithBaseURL("k", srv.URL))
	ctx := context.Background()

	if !e.IsRunning(ctx) {
		t.Error("IsRunning() = false, want true")
	}
	if !e.HasModel(ctx, "openai/gpt-4o-mini") {
		t.Error("HasModel(gpt-4o-mini) = false, want true")
	}
	if err := e.PullModel(ctx, "openai/gpt-4o-mini", nil); err != nil {
		t.Errorf("PullModel(available) = %v", err)
	}
	if err := e.PullModel(ctx, "nope/unknown", nil); err == nil {
		t.Error("PullModel(unknown) = nil, want error")
	}
}

func TestOpenRouterEngine_ChatUnknownModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"No endpoints found for nope/unknown.","code":404}}`)
	}))
	defer srv.Close()

	e := NewOpenRouterEngine(proxy.NewClientWithBaseURL("k", srv.URL))
	_, err := e.Chat(context.Background(), "nope/unknown", []Message{{Role: "user", Content: "x"}}, ChatOptions{})
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
}
