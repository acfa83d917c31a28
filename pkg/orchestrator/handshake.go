package orchestrator

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/schema"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/transports"
)

const anonymousUser = "anonymous"

// Defaults fill in whatever the upgrade request leaves out.
type Defaults struct {
	Provider string
	Model    string
	VoiceID  string
	Options  session.Options
}

type handshakeQuery struct {
	UserID       string   `schema:"user_id"`
	Provider     string   `schema:"provider"`
	Model        string   `schema:"model"`
	Voice        string   `schema:"voice"`
	Realtime     *bool    `schema:"realtime"`
	Agent        *bool    `schema:"agent"`
	Capabilities string   `schema:"capabilities"`
	Temperature  *float64 `schema:"temperature"`
	MaxTokens    *int     `schema:"max_tokens"`
	SystemPrompt string   `schema:"system_prompt"`
	WebSearch    *bool    `schema:"web_search"`
	XSearch      *bool    `schema:"x_search"`
}

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// RequestFromHTTP merges the upgrade query over defaults. Values that fail
// to parse keep their default.
func RequestFromHTTP(r *http.Request, defaults Defaults) session.Request {
	var q handshakeQuery
	if r != nil {
		// conversion errors leave the field unset; the rest still decodes
		_ = queryDecoder.Decode(&q, r.URL.Query())
	}

	opts := defaults.Options
	opts.Capabilities = append([]string(nil), defaults.Options.Capabilities...)
	req := session.Request{
		UserID:   firstNonEmpty(q.UserID, header(r, "X-User-Id"), anonymousUser),
		Provider: firstNonEmpty(q.Provider, defaults.Provider),
		Model:    firstNonEmpty(q.Model, defaults.Model),
		VoiceID:  firstNonEmpty(q.Voice, defaults.VoiceID),
	}
	if q.Realtime != nil {
		opts.Realtime = *q.Realtime
	}
	if q.Agent != nil {
		opts.AgentEnabled = *q.Agent
	}
	if caps := splitList(q.Capabilities); len(caps) > 0 {
		opts.Capabilities = caps
	}
	if q.Temperature != nil {
		opts.Temperature = q.Temperature
	}
	if q.MaxTokens != nil && *q.MaxTokens > 0 {
		opts.MaxTokens = q.MaxTokens
	}
	if s := strings.TrimSpace(q.SystemPrompt); s != "" {
		opts.SystemPrompt = s
	}
	if q.WebSearch != nil {
		opts.WebSearch = *q.WebSearch
	}
	if q.XSearch != nil {
		opts.XSearch = *q.XSearch
	}
	req.Options = opts
	return req
}

// Handler adapts the orchestrator to the websocket server.
func (o *Orchestrator) Handler(defaults Defaults) transports.Handler {
	return transports.HandlerFunc(func(ctx context.Context, conn transports.Conn, r *http.Request) error {
		return o.Serve(ctx, conn, RequestFromHTTP(r, defaults))
	})
}

func header(r *http.Request, key string) string {
	if r == nil {
		return ""
	}
	return r.Header.Get(key)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
