package protocol

import (
	"encoding/base64"
	"time"
)

// MessageType is the kind tag of every outbound envelope.
type MessageType string

const (
	TypeState      MessageType = "state"
	TypeTranscript MessageType = "transcript"
	TypeAudio      MessageType = "audio"
	TypeMetadata   MessageType = "metadata"
	TypeError      MessageType = "error"
	TypePong       MessageType = "pong"
)

// MetadataEvent is the sub-kind of a metadata envelope.
type MetadataEvent string

const (
	EventSessionStarted   MetadataEvent = "session-started"
	EventResponseStart    MetadataEvent = "ai-response-start"
	EventResponseChunk    MetadataEvent = "ai-response-chunk"
	EventResponseEnd      MetadataEvent = "ai-response-end"
	EventToolCallStart    MetadataEvent = "tool-call-start"
	EventToolCallEnd      MetadataEvent = "tool-call-end"
	EventContextRetrieval MetadataEvent = "context-retrieval"
	EventGroundingSources MetadataEvent = "grounding-sources"
	EventAgentStatus      MetadataEvent = "agent-status"
	EventThinkingStep     MetadataEvent = "thinking-step"
)

// Tool executors reported in tool-call-end.
const (
	ExecutedByProvider = "provider"
	ExecutedByLocal    = "local"
)

// Envelope is the common shape of every outbound message.
type Envelope struct {
	Type      MessageType   `json:"type"`
	Event     MetadataEvent `json:"event,omitempty"`
	Payload   any           `json:"payload"`
	Timestamp int64         `json:"timestamp"`
}

type StatePayload struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type TranscriptPayload struct {
	Text       string   `json:"text"`
	IsFinal    bool     `json:"isFinal"`
	Confidence float64  `json:"confidence"`
	Start      *float64 `json:"start,omitempty"`
	End        *float64 `json:"end,omitempty"`
}

type AudioPayload struct {
	Data       string `json:"data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Sequence   int    `json:"sequence"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Source is one grounding or retrieval reference.
type Source struct {
	Title   string `json:"title"`
	URI     string `json:"uri"`
	Snippet string `json:"snippet,omitempty"`
}

func envelope(t MessageType, payload any) Envelope {
	return Envelope{Type: t, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

func metadata(ev MetadataEvent, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	env := envelope(TypeMetadata, payload)
	env.Event = ev
	return env
}

func State(state, reason string) Envelope {
	return envelope(TypeState, StatePayload{State: state, Reason: reason})
}

func Transcript(p TranscriptPayload) Envelope {
	return envelope(TypeTranscript, p)
}

// Audio base64-encodes data into an audio envelope.
func Audio(data []byte, format string, sampleRate, sequence int) Envelope {
	return envelope(TypeAudio, AudioPayload{
		Data:       base64.StdEncoding.EncodeToString(data),
		Format:     format,
		SampleRate: sampleRate,
		Sequence:   sequence,
	})
}

func Error(code, message string, recoverable bool) Envelope {
	return envelope(TypeError, ErrorPayload{Code: code, Message: message, Recoverable: recoverable})
}

func Pong() Envelope {
	return envelope(TypePong, struct{}{})
}

func SessionStarted(sessionID, provider, model, voiceID string) Envelope {
	return metadata(EventSessionStarted, map[string]any{
		"sessionId": sessionID,
		"provider":  provider,
		"model":     model,
		"voiceId":   voiceID,
	})
}

func ResponseStart() Envelope {
	return metadata(EventResponseStart, nil)
}

func ResponseChunk(text, fullText string) Envelope {
	return metadata(EventResponseChunk, map[string]any{
		"text":     text,
		"fullText": fullText,
	})
}

func ResponseEnd(content string, inputTokens, outputTokens int) Envelope {
	return metadata(EventResponseEnd, map[string]any{
		"content":        content,
		"responseLength": len(content),
		"inputTokens":    inputTokens,
		"outputTokens":   outputTokens,
	})
}

func ToolCallStart(toolID, toolName string, arguments any) Envelope {
	return metadata(EventToolCallStart, map[string]any{
		"toolId":    toolID,
		"toolName":  toolName,
		"arguments": arguments,
	})
}

// ToolCallEnd reports a tool result; executedBy keeps upstream-run builtin
// tools distinguishable from locally executed ones.
func ToolCallEnd(toolID, toolName, result string, success bool, executedBy string) Envelope {
	return metadata(EventToolCallEnd, map[string]any{
		"toolId":     toolID,
		"toolName":   toolName,
		"result":     result,
		"success":    success,
		"executedBy": executedBy,
	})
}

func GroundingSources(sources []Source) Envelope {
	if sources == nil {
		sources = []Source{}
	}
	return metadata(EventGroundingSources, map[string]any{"sources": sources})
}

func ContextRetrieval(query string, sources []Source) Envelope {
	if sources == nil {
		sources = []Source{}
	}
	return metadata(EventContextRetrieval, map[string]any{
		"query":   query,
		"sources": sources,
	})
}

func AgentStatus(status, detail string) Envelope {
	return metadata(EventAgentStatus, map[string]any{
		"status": status,
		"detail": detail,
	})
}

func ThinkingStep(index int, text string) Envelope {
	return metadata(EventThinkingStep, map[string]any{
		"step": index,
		"text": text,
	})
}

// Sender accepts outbound envelopes. Implementations never fail the caller.
type Sender interface {
	Send(env Envelope)
}
