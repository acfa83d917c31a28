package realtime

import "encoding/base64"

// ClientEvent is one frame sent upstream.
type ClientEvent struct {
	Type    string            `json:"type"`
	Session *SessionConfig    `json:"session,omitempty"`
	Audio   string            `json:"audio,omitempty"`
	Item    *ConversationItem `json:"item,omitempty"`
}

type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Tools                   []map[string]any     `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	Temperature             *float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens any                  `json:"max_response_output_tokens,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string   `json:"type"`
	Threshold         *float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int      `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int      `json:"silence_duration_ms,omitempty"`
}

type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output"`
}

func SessionUpdate(cfg SessionConfig) ClientEvent {
	return ClientEvent{Type: "session.update", Session: &cfg}
}

func AppendAudio(chunk []byte) ClientEvent {
	return ClientEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(chunk)}
}

func CommitAudio() ClientEvent {
	return ClientEvent{Type: "input_audio_buffer.commit"}
}

func FunctionCallOutput(callID, output string) ClientEvent {
	return ClientEvent{Type: "conversation.item.create", Item: &ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}}
}

func CreateResponse() ClientEvent {
	return ClientEvent{Type: "response.create"}
}

func CancelResponse() ClientEvent {
	return ClientEvent{Type: "response.cancel"}
}
