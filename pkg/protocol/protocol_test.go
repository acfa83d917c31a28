package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	msg, err := DecodeClientMessage([]byte(`{"type":"audio","payload":{"data":"` + audio + `"}}`))
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if msg.Type != ClientAudio || len(msg.Audio) != 3 {
		t.Fatalf("unexpected audio message %+v", msg)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"control","payload":{"action":"Interrupt"}}`))
	if err != nil {
		t.Fatalf("decode control: %v", err)
	}
	if msg.Action != ActionInterrupt {
		t.Fatalf("expected interrupt, got %q", msg.Action)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"config","payload":{"voice":"ara"}}`))
	if err != nil || msg.Type != ClientConfig {
		t.Fatalf("expected config accepted, got %+v %v", msg, err)
	}
}

func TestDecodeClientMessageRejects(t *testing.T) {
	cases := []string{
		``,
		`{not json`,
		`{"payload":{}}`,
		`{"type":"video"}`,
		`{"type":"control","payload":{"action":"dance"}}`,
		`{"type":"audio","payload":{"data":"***"}}`,
		`{"type":"audio","payload":{}}`,
	}
	for _, in := range cases {
		_, err := DecodeClientMessage([]byte(in))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%q: expected DecodeError, got %v", in, err)
		}
		if de.Code != CodeInvalidMessage {
			t.Fatalf("%q: expected INVALID_MESSAGE, got %s", in, de.Code)
		}
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	b, err := json.Marshal(ToolCallEnd("call-1", "web_search", "", true, ExecutedByProvider))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "metadata" || out["event"] != "tool-call-end" {
		t.Fatalf("unexpected envelope %v", out)
	}
	payload := out["payload"].(map[string]any)
	if payload["executedBy"] != "provider" || payload["toolId"] != "call-1" {
		t.Fatalf("unexpected payload %v", payload)
	}

	b, _ = json.Marshal(State("idle", ""))
	var state map[string]any
	if err := json.Unmarshal(b, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if _, ok := state["event"]; ok {
		t.Fatalf("state envelope must not carry an event tag")
	}
	if p := state["payload"].(map[string]any); p["state"] != "idle" {
		t.Fatalf("unexpected state payload %v", p)
	}
}

func TestAudioEnvelopeEncodesBase64(t *testing.T) {
	env := Audio([]byte("pcm"), "pcm16", 24000, 7)
	p := env.Payload.(AudioPayload)
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil || string(raw) != "pcm" {
		t.Fatalf("unexpected audio data %q (%v)", p.Data, err)
	}
	if p.Sequence != 7 || p.SampleRate != 24000 {
		t.Fatalf("unexpected audio payload %+v", p)
	}
}

func TestResponseEndLength(t *testing.T) {
	env := ResponseEnd("hello", 3, 2)
	p := env.Payload.(map[string]any)
	if p["responseLength"] != 5 || p["outputTokens"] != 2 {
		t.Fatalf("unexpected response end payload %v", p)
	}
}
