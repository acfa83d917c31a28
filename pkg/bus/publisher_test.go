package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/harunnryd/voxa/pkg/session"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestPublisherRecordsTurns(t *testing.T) {
	ns := runServer(t)
	pub, err := Connect(context.Background(), Config{Servers: []string{ns.ClientURL()}, SubjectPrefix: "test.voice."}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pub.Close)
	if !pub.Healthy() {
		t.Fatalf("publisher not healthy")
	}

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("test.voice.*.>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Unsubscribe()
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	snap := session.VoiceSession{ID: "s-1", UserID: "u-1", Provider: "openai"}
	usage := &session.TokenUsage{InputTokens: 3, OutputTokens: 5}
	if err := pub.RecordTurn(context.Background(), snap, session.VoiceTurn{Role: session.RoleAssistant, Content: "hello", Usage: usage}); err != nil {
		t.Fatalf("record: %v", err)
	}
	pub.SessionEnded(snap)

	select {
	case msg := <-msgs:
		if msg.Subject != "test.voice.s-1.turn" {
			t.Fatalf("subject = %s", msg.Subject)
		}
		var ev TurnEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Role != "assistant" || ev.Content != "hello" || ev.OutputTokens != 5 || ev.At == 0 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no turn published")
	}

	select {
	case msg := <-msgs:
		var ev SessionEvent
		_ = json.Unmarshal(msg.Data, &ev)
		if msg.Subject != "test.voice.s-1.session" || ev.Event != "ended" {
			t.Fatalf("unexpected session event %s %+v", msg.Subject, ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no session event published")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}, nil); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestDefaultPrefix(t *testing.T) {
	p := NewPublisher(nil, "  ", nil)
	if got := p.TurnSubject("abc"); got != "voxa.sessions.abc.turn" {
		t.Fatalf("subject = %s", got)
	}
}
