// Package realtime bridges a voice session to a speech-to-speech upstream
// speaking the realtime event protocol.
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/voxa/pkg/protocol"
)

// ServerEvent is one decoded upstream event. The set of implementations is
// closed; unknown types decode to Ignored.
type ServerEvent interface {
	EventType() string
	serverEvent()
}

type ErrorEvent struct {
	Code    string
	Kind    string
	Message string
}

type SessionCreated struct {
	SessionID string
}

type SpeechStarted struct {
	AudioStartMS int
}

type SpeechStopped struct {
	AudioEndMS int
}

type TranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

type ResponseCreated struct {
	ResponseID string
}

// AudioDelta carries base64 audio exactly as received.
type AudioDelta struct {
	ResponseID string
	Delta      string
}

type AudioDone struct {
	ResponseID string
}

type TextDelta struct {
	ResponseID string
	Delta      string
}

type AudioTranscriptDelta struct {
	ResponseID string
	Delta      string
}

type FunctionCallArgumentsDone struct {
	ResponseID string
	CallID     string
	Name       string
	Arguments  string
	// Sources are provider citations attached to builtin search calls.
	Sources []protocol.Source
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type ResponseDone struct {
	ResponseID string
	Status     string
	Usage      *Usage
}

type Ignored struct {
	Type string
}

func (ErrorEvent) EventType() string                { return "error" }
func (SessionCreated) EventType() string            { return "session.created" }
func (SpeechStarted) EventType() string             { return "input_audio_buffer.speech_started" }
func (SpeechStopped) EventType() string             { return "input_audio_buffer.speech_stopped" }
func (TranscriptionCompleted) EventType() string    { return "conversation.item.input_audio_transcription.completed" }
func (ResponseCreated) EventType() string           { return "response.created" }
func (AudioDelta) EventType() string                { return "response.audio.delta" }
func (AudioDone) EventType() string                 { return "response.audio.done" }
func (TextDelta) EventType() string                 { return "response.text.delta" }
func (AudioTranscriptDelta) EventType() string      { return "response.audio_transcript.delta" }
func (FunctionCallArgumentsDone) EventType() string { return "response.function_call_arguments.done" }
func (ResponseDone) EventType() string              { return "response.done" }
func (e Ignored) EventType() string                 { return e.Type }

func (ErrorEvent) serverEvent()                {}
func (SessionCreated) serverEvent()            {}
func (SpeechStarted) serverEvent()             {}
func (SpeechStopped) serverEvent()             {}
func (TranscriptionCompleted) serverEvent()    {}
func (ResponseCreated) serverEvent()           {}
func (AudioDelta) serverEvent()                {}
func (AudioDone) serverEvent()                 {}
func (TextDelta) serverEvent()                 {}
func (AudioTranscriptDelta) serverEvent()      {}
func (FunctionCallArgumentsDone) serverEvent() {}
func (ResponseDone) serverEvent()              {}
func (Ignored) serverEvent()                   {}

type rawEvent struct {
	Type       string          `json:"type"`
	ResponseID string          `json:"response_id"`
	ItemID     string          `json:"item_id"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Arguments  string          `json:"arguments"`
	Sources    json.RawMessage `json:"sources"`
	Citations  json.RawMessage `json:"citations"`

	AudioStartMS int `json:"audio_start_ms"`
	AudioEndMS   int `json:"audio_end_ms"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Session *struct {
		ID string `json:"id"`
	} `json:"session"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Usage  *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

// ParseServerEvent decodes one upstream frame.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("decode server event: missing type")
	}
	switch raw.Type {
	case "error":
		ev := ErrorEvent{Message: "upstream error"}
		if raw.Error != nil {
			ev.Code = raw.Error.Code
			ev.Kind = raw.Error.Type
			if raw.Error.Message != "" {
				ev.Message = raw.Error.Message
			}
		}
		return ev, nil
	case "session.created":
		ev := SessionCreated{}
		if raw.Session != nil {
			ev.SessionID = raw.Session.ID
		}
		return ev, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{AudioStartMS: raw.AudioStartMS}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{AudioEndMS: raw.AudioEndMS}, nil
	case "conversation.item.input_audio_transcription.completed":
		return TranscriptionCompleted{ItemID: raw.ItemID, Transcript: raw.Transcript}, nil
	case "response.created":
		ev := ResponseCreated{ResponseID: raw.ResponseID}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
		}
		return ev, nil
	case "response.audio.delta", "response.output_audio.delta":
		return AudioDelta{ResponseID: raw.ResponseID, Delta: raw.Delta}, nil
	case "response.audio.done", "response.output_audio.done":
		return AudioDone{ResponseID: raw.ResponseID}, nil
	case "response.text.delta", "response.output_text.delta":
		return TextDelta{ResponseID: raw.ResponseID, Delta: raw.Delta}, nil
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return AudioTranscriptDelta{ResponseID: raw.ResponseID, Delta: raw.Delta}, nil
	case "response.function_call_arguments.done":
		sources := parseSources(raw.Sources)
		if len(sources) == 0 {
			sources = parseSources(raw.Citations)
		}
		return FunctionCallArgumentsDone{
			ResponseID: raw.ResponseID,
			CallID:     raw.CallID,
			Name:       raw.Name,
			Arguments:  raw.Arguments,
			Sources:    sources,
		}, nil
	case "response.done":
		ev := ResponseDone{}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
			ev.Status = raw.Response.Status
			if u := raw.Response.Usage; u != nil {
				ev.Usage = &Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
			}
		}
		return ev, nil
	default:
		return Ignored{Type: raw.Type}, nil
	}
}

// parseSources accepts either source objects or bare URL strings.
func parseSources(raw json.RawMessage) []protocol.Source {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]protocol.Source, 0, len(items))
	for _, item := range items {
		var uri string
		if err := json.Unmarshal(item, &uri); err == nil {
			if uri != "" {
				out = append(out, protocol.Source{Title: uri, URI: uri})
			}
			continue
		}
		var obj struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			URI     string `json:"uri"`
			Snippet string `json:"snippet"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		src := protocol.Source{Title: obj.Title, URI: obj.URI, Snippet: obj.Snippet}
		if src.URI == "" {
			src.URI = obj.URL
		}
		if src.Title == "" {
			src.Title = src.URI
		}
		if src.URI == "" && src.Title == "" {
			continue
		}
		out = append(out, src)
	}
	return out
}
