package realtime

import "testing"

func TestParseServerEventVariants(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"type":"error","error":{"type":"invalid_request_error","message":"nope"}}`, "error"},
		{`{"type":"session.created","session":{"id":"s1"}}`, "session.created"},
		{`{"type":"input_audio_buffer.speech_started","audio_start_ms":120}`, "input_audio_buffer.speech_started"},
		{`{"type":"input_audio_buffer.speech_stopped"}`, "input_audio_buffer.speech_stopped"},
		{`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hi"}`, "conversation.item.input_audio_transcription.completed"},
		{`{"type":"response.created","response":{"id":"r1"}}`, "response.created"},
		{`{"type":"response.output_audio.delta","delta":"AA=="}`, "response.audio.delta"},
		{`{"type":"response.output_text.delta","delta":"a"}`, "response.text.delta"},
		{`{"type":"response.output_audio_transcript.delta","delta":"a"}`, "response.audio_transcript.delta"},
		{`{"type":"response.done","response":{"id":"r1"}}`, "response.done"},
		{`{"type":"rate_limits.updated"}`, "rate_limits.updated"},
	}
	for _, tc := range cases {
		ev, err := ParseServerEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if ev.EventType() != tc.want {
			t.Fatalf("%s: got %s want %s", tc.raw, ev.EventType(), tc.want)
		}
	}
}

func TestParseServerEventFields(t *testing.T) {
	ev, _ := ParseServerEvent([]byte(`{"type":"response.done","response":{"id":"r9","status":"completed","usage":{"input_tokens":5,"output_tokens":3,"total_tokens":8}}}`))
	done, ok := ev.(ResponseDone)
	if !ok || done.Usage == nil || done.Usage.InputTokens != 5 || done.Usage.OutputTokens != 3 || done.ResponseID != "r9" {
		t.Fatalf("unexpected response done %+v", ev)
	}

	ev, _ = ParseServerEvent([]byte(`{"type":"error"}`))
	if e := ev.(ErrorEvent); e.Message != "upstream error" {
		t.Fatalf("expected default message, got %q", e.Message)
	}

	ev, _ = ParseServerEvent([]byte(`{"type":"rate_limits.updated"}`))
	if _, ok := ev.(Ignored); !ok {
		t.Fatalf("expected ignored, got %T", ev)
	}
}

func TestParseFunctionCallSources(t *testing.T) {
	ev, err := ParseServerEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"c1","name":"web_search","arguments":"{}","sources":[{"title":"A","url":"https://a.example"},{"uri":"https://b.example"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fc := ev.(FunctionCallArgumentsDone)
	if fc.CallID != "c1" || len(fc.Sources) != 2 {
		t.Fatalf("unexpected call %+v", fc)
	}
	if fc.Sources[0].URI != "https://a.example" || fc.Sources[1].Title != "https://b.example" {
		t.Fatalf("unexpected sources %+v", fc.Sources)
	}

	ev, _ = ParseServerEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"c2","name":"x_search","citations":["https://x.example/1"]}`))
	if fc := ev.(FunctionCallArgumentsDone); len(fc.Sources) != 1 || fc.Sources[0].URI != "https://x.example/1" {
		t.Fatalf("unexpected citations %+v", fc.Sources)
	}

	ev, _ = ParseServerEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"c3","name":"web_search"}`))
	if fc := ev.(FunctionCallArgumentsDone); fc.Sources != nil {
		t.Fatalf("expected no sources, got %+v", fc.Sources)
	}
}

func TestParseServerEventRejectsGarbage(t *testing.T) {
	if _, err := ParseServerEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := ParseServerEvent([]byte(`{}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
}
