package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/resilience"
	"github.com/harunnryd/voxa/pkg/session"
)

func TestEndpoint(t *testing.T) {
	u, err := Endpoint("openai", "gpt-realtime", "")
	if err != nil || u != "wss://api.openai.com/v1/realtime?model=gpt-realtime" {
		t.Fatalf("unexpected openai endpoint %q %v", u, err)
	}
	u, err = Endpoint("XAI", "grok-voice", "")
	if err != nil || u != "wss://api.x.ai/v1/realtime?model=grok-voice" {
		t.Fatalf("unexpected xai endpoint %q %v", u, err)
	}
	if _, err := Endpoint("acme", "m", ""); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestDialSendRecv(t *testing.T) {
	up := websocket.Upgrader{}
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Clone()
		h.Set("X-Model", r.URL.Query().Get("model"))
		headers <- h
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","session":{"id":"s1"}}`))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev map[string]any
		_ = json.Unmarshal(data, &ev)
		if ev["type"] == "response.cancel" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done","response":{"id":"r1","status":"cancelled"}}`))
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, DialOptions{
		Family:   FamilyOpenAI,
		Model:    "gpt-realtime",
		Settings: Settings{APIKey: "secret", URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	h := <-headers
	if h.Get("Authorization") != "Bearer secret" || h.Get("OpenAI-Beta") != "realtime=v1" || h.Get("X-Model") != "gpt-realtime" {
		t.Fatalf("unexpected handshake %v", h)
	}
	ev, err := c.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if created, ok := ev.(SessionCreated); !ok || created.SessionID != "s1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := c.Send(ctx, CancelResponse()); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev, err = c.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if done, ok := ev.(ResponseDone); !ok || done.Status != "cancelled" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = c.Close()
	if err := c.Send(ctx, CreateResponse()); err != ErrClientClosed {
		t.Fatalf("expected closed client, got %v", err)
	}
}

func TestDialRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	opts := DialOptions{
		Family:   FamilyXAI,
		Settings: Settings{URL: "ws" + strings.TrimPrefix(srv.URL, "http")},
		Breaker:  breaker,
		Retry:    resilience.NewRetryPolicy(2, time.Millisecond),
	}
	_, err := Dial(context.Background(), opts)
	if !errorsx.HasReason(err, errorsx.ReasonUpstreamRateLimit) {
		t.Fatalf("expected rate limit reason, got %v", err)
	}
	_, err = Dial(context.Background(), opts)
	if !errorsx.HasReason(err, errorsx.ReasonUpstreamCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
}

func TestBuildSessionConfigOverrides(t *testing.T) {
	temp := 0.3
	max := 256
	cfg := BuildSessionConfig(Settings{Voice: "alloy"}, session.VoiceSession{
		Options: session.Options{Temperature: &temp, MaxTokens: &max, SystemPrompt: "Be brief."},
	}, nil, "base")
	if cfg.Voice != "alloy" || cfg.Temperature == nil || *cfg.Temperature != 0.3 || cfg.MaxResponseOutputTokens != 256 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Instructions != "Be brief." {
		t.Fatalf("expected override prompt, got %q", cfg.Instructions)
	}
	if cfg.TurnDetection == nil || cfg.TurnDetection.Type != "server_vad" || cfg.InputAudioFormat != "pcm16" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
