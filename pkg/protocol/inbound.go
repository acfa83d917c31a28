// Package protocol defines the client-facing wire format of a voice session:
// inbound text frames sent by clients and the outbound envelope written back.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// MaxAudioChunkBytes bounds a single inbound audio chunk (1 MiB).
const MaxAudioChunkBytes = 1 << 20

// ClientMessageType discriminates inbound text frames.
type ClientMessageType string

const (
	ClientAudio   ClientMessageType = "audio"
	ClientControl ClientMessageType = "control"
	ClientConfig  ClientMessageType = "config"
)

// ControlAction is the action of a control frame.
type ControlAction string

const (
	ActionStart     ControlAction = "start"
	ActionStop      ControlAction = "stop"
	ActionInterrupt ControlAction = "interrupt"
	ActionPing      ControlAction = "ping"
)

func (a ControlAction) valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionInterrupt, ActionPing:
		return true
	}
	return false
}

// ClientMessage is a decoded inbound text frame. Exactly one of Audio or
// Action is set, depending on Type; config frames carry Config verbatim.
type ClientMessage struct {
	Type   ClientMessageType
	Audio  []byte
	Action ControlAction
	Config json.RawMessage
}

// DecodeError describes why an inbound frame was rejected.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return e.Code + ": " + e.Message
}

func invalid(msg string) *DecodeError {
	return &DecodeError{Code: CodeInvalidMessage, Message: msg}
}

type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type audioPayload struct {
	Data string `json:"data"`
}

type controlPayload struct {
	Action string `json:"action"`
}

// DecodeClientMessage parses one inbound text frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ClientMessage{}, invalid("empty frame")
	}
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, invalid("malformed json: " + err.Error())
	}
	msgType := ClientMessageType(strings.ToLower(strings.TrimSpace(env.Type)))
	switch msgType {
	case "":
		return ClientMessage{}, invalid("missing type")
	case ClientAudio:
		var p audioPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return ClientMessage{}, invalid("malformed audio payload")
		}
		if p.Data == "" {
			return ClientMessage{}, invalid("audio payload missing data")
		}
		raw, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return ClientMessage{}, invalid("audio data is not valid base64")
		}
		return ClientMessage{Type: ClientAudio, Audio: raw}, nil
	case ClientControl:
		var p controlPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return ClientMessage{}, invalid("malformed control payload")
		}
		action := ControlAction(strings.ToLower(strings.TrimSpace(p.Action)))
		if !action.valid() {
			return ClientMessage{}, invalid("unknown control action: " + p.Action)
		}
		return ClientMessage{Type: ClientControl, Action: action}, nil
	case ClientConfig:
		return ClientMessage{Type: ClientConfig, Config: json.RawMessage(data)}, nil
	default:
		return ClientMessage{}, invalid("unknown message type: " + env.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
