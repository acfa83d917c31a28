package session

import (
	"context"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TokenUsage is the upstream token accounting for one response.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// VoiceTurn is one finalized utterance.
type VoiceTurn struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Confidence *float64    `json:"confidence,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	At         time.Time   `json:"at"`
}

// Options is the per-session configuration supplied at handshake.
type Options struct {
	Capabilities []string
	AgentEnabled bool
	Temperature  *float64
	MaxTokens    *int
	SystemPrompt string
	WebSearch    bool
	XSearch      bool
	Realtime     bool
}

// Request carries the handshake data a session is created from.
type Request struct {
	UserID   string
	Provider string
	Model    string
	VoiceID  string
	Options  Options
}

// VoiceSession is a point-in-time copy of a live session.
type VoiceSession struct {
	ID           string
	UserID       string
	Provider     string
	Model        string
	VoiceID      string
	Options      Options
	State        State
	Turns        []VoiceTurn
	CreatedAt    time.Time
	LastActivity time.Time
}

// TurnSink receives every turn once it has been appended.
type TurnSink interface {
	RecordTurn(ctx context.Context, snap VoiceSession, turn VoiceTurn) error
}
