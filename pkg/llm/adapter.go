// Package llm defines the chat-completion contract the pipeline reasons with.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Tool struct {
	Name        string
	Description string
	Schema      any
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

type Context struct {
	Messages    []Message
	Tools       []Tool
	Temperature *float64
	MaxTokens   *int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall
}

// Delta is one streamed piece. The final delta of a stream may carry only
// Usage; a delta with Err set ends the stream.
type Delta struct {
	Text  string
	Usage *Usage
	Err   error
}

type Adapter interface {
	Name() string
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan Delta, error)
}
