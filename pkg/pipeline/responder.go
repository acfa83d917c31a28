// Package pipeline runs a session through separate transcription,
// reasoning and synthesis stages.
package pipeline

import (
	"context"

	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/session"
)

// Request is what a responder answers: the session as of the final
// transcript, which is already its last turn.
type Request struct {
	Session    session.VoiceSession
	Transcript string
}

type Reply struct {
	Text  string
	Usage *session.TokenUsage
}

// Reporter receives progress from a responder while it runs.
type Reporter interface {
	// Chunk streams response text; it is spoken as it arrives.
	Chunk(text string)
	ToolStart(id, name string, args any)
	ToolEnd(id, name, result string, success bool)
	ContextRetrieval(query string, sources []protocol.Source)
	AgentStatus(status, detail string)
	ThinkingStep(index int, text string)
}

// Responder is the reasoning stage.
type Responder interface {
	Respond(ctx context.Context, req Request, rep Reporter) (Reply, error)
}

// ResponderSelector picks the responder for a session.
type ResponderSelector func(snap session.VoiceSession) (Responder, error)

// Static always selects r.
func Static(r Responder) ResponderSelector {
	return func(session.VoiceSession) (Responder, error) { return r, nil }
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req Request, rep Reporter) (Reply, error)

func (f ResponderFunc) Respond(ctx context.Context, req Request, rep Reporter) (Reply, error) {
	return f(ctx, req, rep)
}
