package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/transports/mock"
)

type fakePath struct {
	startErr   error
	panicAudio bool

	mu         sync.Mutex
	audio      [][]byte
	stops      int
	interrupts int
	closes     int
}

func (p *fakePath) Start(ctx context.Context) error { return p.startErr }

func (p *fakePath) SendAudio(ctx context.Context, chunk []byte) error {
	if p.panicAudio {
		panic("decoder exploded")
	}
	p.mu.Lock()
	p.audio = append(p.audio, chunk)
	p.mu.Unlock()
	return nil
}

func (p *fakePath) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return nil
}

func (p *fakePath) Interrupt(ctx context.Context) error {
	p.mu.Lock()
	p.interrupts++
	p.mu.Unlock()
	return nil
}

func (p *fakePath) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePath) counts() (audio, stops, interrupts, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.audio), p.stops, p.interrupts, p.closes
}

type wireEnvelope struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

type rig struct {
	orch    *Orchestrator
	conn    *mock.Conn
	path    *fakePath
	rtPath  *fakePath
	obs     *metrics.MemoryObserver
	cancel  context.CancelFunc
	done    chan error
	request session.Request
}

func startRig(t *testing.T, path *fakePath, req session.Request) *rig {
	t.Helper()
	r := &rig{
		conn:    mock.New(),
		path:    path,
		rtPath:  &fakePath{},
		obs:     metrics.NewMemoryObserver(),
		done:    make(chan error, 1),
		request: req,
	}
	r.orch = New(Config{
		Store:    session.NewStore(nil, nil),
		Observer: r.obs,
		Pipeline: func(ctx context.Context, sess *session.Session, sender protocol.Sender) (Path, error) {
			return r.path, nil
		},
		Realtime: func(ctx context.Context, sess *session.Session, sender protocol.Sender) (Path, error) {
			return r.rtPath, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() { r.done <- r.orch.Serve(ctx, r.conn, req) }()
	t.Cleanup(func() {
		cancel()
		_ = r.conn.Close()
	})
	return r
}

func (r *rig) next(t *testing.T) wireEnvelope {
	t.Helper()
	select {
	case f := <-r.conn.Written():
		var env wireEnvelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame")
	}
	return wireEnvelope{}
}

func (r *rig) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
	return nil
}

// handshake consumes the idle/connected state and session-started frames.
func (r *rig) handshake(t *testing.T) {
	t.Helper()
	r.next(t)
	r.next(t)
}

func TestServeAnnouncesSession(t *testing.T) {
	r := startRig(t, &fakePath{}, session.Request{UserID: "u-1", Provider: "pipeline", Model: "m", VoiceID: "v"})

	first := r.next(t)
	var st protocol.StatePayload
	_ = json.Unmarshal(first.Payload, &st)
	if first.Type != "state" || st.State != "idle" || st.Reason != "connected" {
		t.Fatalf("unexpected first frame %+v %+v", first, st)
	}
	if first.Timestamp == 0 {
		t.Fatalf("frame not timestamped")
	}

	second := r.next(t)
	var started map[string]any
	_ = json.Unmarshal(second.Payload, &started)
	if second.Type != "metadata" || second.Event != "session-started" {
		t.Fatalf("unexpected second frame %+v", second)
	}
	if started["sessionId"] == "" || started["provider"] != "pipeline" || started["voiceId"] != "v" {
		t.Fatalf("unexpected session-started payload %v", started)
	}
	if r.orch.Store().Len() != 1 {
		t.Fatalf("session not stored")
	}

	_ = r.conn.Close()
	if err := r.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, _, _, closes := r.path.counts(); closes != 1 {
		t.Fatalf("path closed %d times", closes)
	}
	if r.orch.Store().Len() != 0 {
		t.Fatalf("session not removed")
	}
	if got := r.obs.Named(metrics.EventSessionEnded); len(got) != 1 {
		t.Fatalf("expected one session_ended metric, got %d", len(got))
	}
}

func TestServeMalformedFrameIsIsolated(t *testing.T) {
	r := startRig(t, &fakePath{}, session.Request{UserID: "u-1"})
	r.handshake(t)

	for _, frame := range []string{`{not json`, `{"payload":{}}`, `{"type":"dance"}`, `{"type":"control","payload":{"action":"jump"}}`} {
		r.conn.PushText(frame)
		env := r.next(t)
		var p protocol.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if env.Type != "error" || p.Code != protocol.CodeInvalidMessage || !p.Recoverable {
			t.Fatalf("frame %q: unexpected reply %+v %+v", frame, env, p)
		}
	}

	// the next reply is the pong, so each bad frame produced exactly one error
	r.conn.PushText(`{"type":"control","payload":{"action":"ping"}}`)
	if env := r.next(t); env.Type != "pong" {
		t.Fatalf("expected pong, got %+v", env)
	}
	if got := r.obs.Named(metrics.EventInvalidMessage); len(got) != 4 {
		t.Fatalf("expected 4 invalid_message metrics, got %d", len(got))
	}
}

func TestServeRoutesFrames(t *testing.T) {
	r := startRig(t, &fakePath{}, session.Request{UserID: "u-1"})
	r.handshake(t)

	r.conn.PushBinary([]byte{1, 2, 3})
	r.conn.PushText(`{"type":"audio","payload":{"data":"` + base64.StdEncoding.EncodeToString([]byte{4, 5}) + `"}}`)
	r.conn.PushText(`{"type":"control","payload":{"action":"stop"}}`)
	r.conn.PushText(`{"type":"control","payload":{"action":"interrupt"}}`)
	r.conn.PushText(`{"type":"config","payload":{"voice":"x"}}`)
	r.conn.PushText(`{"type":"control","payload":{"action":"start"}}`)

	env := r.next(t)
	var st protocol.StatePayload
	_ = json.Unmarshal(env.Payload, &st)
	if env.Type != "state" || st.State != "idle" || st.Reason != "ready" {
		t.Fatalf("start should re-announce idle, got %+v %+v", env, st)
	}
	audio, stops, interrupts, _ := r.path.counts()
	if audio != 2 || stops != 1 || interrupts != 1 {
		t.Fatalf("audio=%d stops=%d interrupts=%d", audio, stops, interrupts)
	}
}

func TestServePanicBecomesInternalError(t *testing.T) {
	r := startRig(t, &fakePath{panicAudio: true}, session.Request{UserID: "u-1"})
	r.handshake(t)

	r.conn.PushBinary([]byte{1})
	env := r.next(t)
	var p protocol.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if env.Type != "error" || p.Code != protocol.CodeInternalError || !p.Recoverable {
		t.Fatalf("unexpected reply %+v %+v", env, p)
	}

	r.conn.PushText(`{"type":"control","payload":{"action":"ping"}}`)
	if env := r.next(t); env.Type != "pong" {
		t.Fatalf("loop should survive a panic, got %+v", env)
	}
}

func TestServeStartFailure(t *testing.T) {
	path := &fakePath{startErr: errors.New("vendor down")}
	r := startRig(t, path, session.Request{UserID: "u-1"})
	r.handshake(t)

	env := r.next(t)
	var p protocol.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if env.Type != "error" || p.Code != protocol.CodeSessionStartFailed || p.Recoverable {
		t.Fatalf("unexpected reply %+v %+v", env, p)
	}
	if err := r.wait(t); err == nil {
		t.Fatalf("expected start error")
	}
	if _, _, _, closes := path.counts(); closes != 1 {
		t.Fatalf("failed path closed %d times", closes)
	}
	if !r.conn.Closed() {
		t.Fatalf("connection left open")
	}
}

func TestServeSelectsRealtimePath(t *testing.T) {
	r := startRig(t, &fakePath{}, session.Request{UserID: "u-1", Options: session.Options{Realtime: true}})
	r.handshake(t)
	r.conn.PushBinary([]byte{9})
	r.conn.PushText(`{"type":"control","payload":{"action":"ping"}}`)
	r.next(t)
	if audio, _, _, _ := r.rtPath.counts(); audio != 1 {
		t.Fatalf("realtime path got %d chunks", audio)
	}
	if audio, _, _, _ := r.path.counts(); audio != 0 {
		t.Fatalf("pipeline path should be unused")
	}
}

func TestServeCancelEndsSession(t *testing.T) {
	r := startRig(t, &fakePath{}, session.Request{UserID: "u-1"})
	r.handshake(t)
	r.cancel()
	if err := r.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, _, _, closes := r.path.counts(); closes != 1 {
		t.Fatalf("path closed %d times", closes)
	}
}

func TestServeReapedSessionEnds(t *testing.T) {
	r := startRig(t, &fakePath{}, session.Request{UserID: "u-1"})
	r.handshake(t)
	time.Sleep(5 * time.Millisecond)
	if ids := r.orch.Store().ReapIdle(time.Millisecond); len(ids) != 1 {
		t.Fatalf("expected one reaped session, got %v", ids)
	}
	if err := r.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestRequestFromHTTP(t *testing.T) {
	temp := 0.4
	defaults := Defaults{
		Provider: "pipeline",
		Model:    "gpt-4o-mini",
		VoiceID:  "alloy",
		Options:  session.Options{Temperature: &temp, Capabilities: []string{"clock"}},
	}

	req := httptest.NewRequest("GET", "/ws/voice?user_id=u-9&realtime=true&agent=1&capabilities=clock,%20notes&temperature=0.9&max_tokens=200&voice=verse&web_search=true", nil)
	got := RequestFromHTTP(req, defaults)
	if got.UserID != "u-9" || got.VoiceID != "verse" || got.Provider != "pipeline" || got.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected request %+v", got)
	}
	o := got.Options
	if !o.Realtime || !o.AgentEnabled || !o.WebSearch || o.XSearch {
		t.Fatalf("unexpected flags %+v", o)
	}
	if len(o.Capabilities) != 2 || o.Capabilities[1] != "notes" {
		t.Fatalf("capabilities = %v", o.Capabilities)
	}
	if o.Temperature == nil || *o.Temperature != 0.9 || o.MaxTokens == nil || *o.MaxTokens != 200 {
		t.Fatalf("unexpected sampling options %+v", o)
	}

	bad := httptest.NewRequest("GET", "/ws/voice?temperature=hot", nil)
	bad.Header.Set("X-User-Id", "from-header")
	got = RequestFromHTTP(bad, defaults)
	if got.UserID != "from-header" {
		t.Fatalf("user id = %q", got.UserID)
	}
	if got.Options.Temperature == nil || *got.Options.Temperature != 0.4 {
		t.Fatalf("invalid temperature should keep the default")
	}

	if got := RequestFromHTTP(httptest.NewRequest("GET", "/ws/voice", nil), Defaults{}); got.UserID != anonymousUser {
		t.Fatalf("user id = %q", got.UserID)
	}
}

type captureHook struct {
	mu     sync.Mutex
	events []string
}

func (h *captureHook) SessionStarted(snap session.VoiceSession) { h.add("started:" + snap.UserID) }
func (h *captureHook) SessionEnded(snap session.VoiceSession)   { h.add("ended:" + snap.UserID) }

func (h *captureHook) add(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func TestServeRunsSessionHooks(t *testing.T) {
	hook := &captureHook{}
	path := &fakePath{}
	orch := New(Config{
		Hooks: []SessionHook{hook},
		Pipeline: func(ctx context.Context, sess *session.Session, sender protocol.Sender) (Path, error) {
			return path, nil
		},
	})
	conn := mock.New()
	done := make(chan error, 1)
	go func() { done <- orch.Serve(context.Background(), conn, session.Request{UserID: "u-7"}) }()
	<-conn.Written()
	_ = conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if len(hook.events) != 2 || hook.events[0] != "started:u-7" || hook.events[1] != "ended:u-7" {
		t.Fatalf("hooks = %v", hook.events)
	}
}
