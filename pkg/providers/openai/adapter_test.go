package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/voxa/pkg/llm"
	"github.com/harunnryd/voxa/pkg/resilience"
)

func TestGenerateParsesToolCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"","tool_calls":[{"id":"t1","function":{"name":"current_time","arguments":"{\"timezone\":\"UTC\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`)
	}))
	defer srv.Close()

	a := NewAdapter("key", "gpt-test")
	a.BaseURL = srv.URL
	resp, err := a.Generate(context.Background(), llm.Context{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "time?"}},
		Tools:    []llm.Tool{{Name: "current_time", Schema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "current_time" || resp.ToolCalls[0].Arguments != `{"timezone":"UTC"}` {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 2 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if got["tool_choice"] != "auto" || got["model"] != "gpt-test" {
		t.Fatalf("unexpected request %v", got)
	}
}

func TestStreamDeliversTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewAdapter("key", "gpt-test")
	a.BaseURL = srv.URL
	ch, err := a.Stream(context.Background(), llm.Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text := ""
	var usage *llm.Usage
	for d := range ch {
		if d.Err != nil {
			t.Fatalf("stream error: %v", d.Err)
		}
		text += d.Text
		if d.Usage != nil {
			usage = d.Usage
		}
	}
	if text != "Hello" {
		t.Fatalf("unexpected text %q", text)
	}
	if usage == nil || usage.CompletionTokens != 2 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestRateLimitMapsToRateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewAdapter("key", "m")
	a.BaseURL = srv.URL
	_, err := a.Generate(context.Background(), llm.Context{})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestFromSettingsRequiresKey(t *testing.T) {
	if _, err := FromSettings(map[string]any{}, ""); err == nil {
		t.Fatalf("expected missing api key error")
	}
	a, err := FromSettings(map[string]any{"api_key": "k", "model": "m1"}, "")
	if err != nil || a.Model != "m1" {
		t.Fatalf("unexpected adapter %+v %v", a, err)
	}
}
