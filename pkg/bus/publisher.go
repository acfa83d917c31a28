// Package bus publishes session activity to NATS for downstream consumers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/nats-io/nats.go"
)

const defaultPrefix = "voxa.sessions"

type Config struct {
	Servers        []string
	SubjectPrefix  string
	ConnectTimeout time.Duration
	Name           string
}

// TurnEvent is published on <prefix>.<session_id>.turn.
type TurnEvent struct {
	SessionID    string   `json:"sessionId"`
	UserID       string   `json:"userId"`
	Provider     string   `json:"provider"`
	Role         string   `json:"role"`
	Content      string   `json:"content"`
	Confidence   *float64 `json:"confidence,omitempty"`
	InputTokens  int      `json:"inputTokens,omitempty"`
	OutputTokens int      `json:"outputTokens,omitempty"`
	At           int64    `json:"at"`
}

// SessionEvent is published on <prefix>.<session_id>.session.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	Event     string `json:"event"`
	Turns     int    `json:"turns"`
	At        int64  `json:"at"`
}

// Publisher is a session.TurnSink backed by a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "voxa"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, nats.Name(cfg.Name), nats.Timeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log := logging.NewComponentLogger(logger, "bus")
	log.Info("bus_connected", "servers", url)
	return NewPublisher(conn, cfg.SubjectPrefix, log), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logging.NewComponentLogger(logger, "bus"), now: time.Now}
}

func (p *Publisher) TurnSubject(sessionID string) string {
	return p.prefix + "." + sessionID + ".turn"
}

func (p *Publisher) SessionSubject(sessionID string) string {
	return p.prefix + "." + sessionID + ".session"
}

func (p *Publisher) RecordTurn(ctx context.Context, snap session.VoiceSession, turn session.VoiceTurn) error {
	at := turn.At
	if at.IsZero() {
		at = p.now()
	}
	ev := TurnEvent{
		SessionID:  snap.ID,
		UserID:     snap.UserID,
		Provider:   snap.Provider,
		Role:       string(turn.Role),
		Content:    turn.Content,
		Confidence: turn.Confidence,
		At:         at.UnixMilli(),
	}
	if turn.Usage != nil {
		ev.InputTokens, ev.OutputTokens = turn.Usage.InputTokens, turn.Usage.OutputTokens
	}
	return p.publish(p.TurnSubject(snap.ID), ev)
}

// SessionStarted and SessionEnded announce the session lifecycle.
func (p *Publisher) SessionStarted(snap session.VoiceSession) {
	p.publishSession(snap, "started")
}

func (p *Publisher) SessionEnded(snap session.VoiceSession) {
	p.publishSession(snap, "ended")
}

func (p *Publisher) publishSession(snap session.VoiceSession, event string) {
	ev := SessionEvent{
		SessionID: snap.ID,
		UserID:    snap.UserID,
		Provider:  snap.Provider,
		Model:     snap.Model,
		Event:     event,
		Turns:     len(snap.Turns),
		At:        p.now().UnixMilli(),
	}
	if err := p.publish(p.SessionSubject(snap.ID), ev); err != nil {
		p.logger.Warn("bus_publish_failed", "session_id", snap.ID, "event", event, "error", err.Error())
	}
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return errorsx.Wrap(fmt.Errorf("publish %s: %w", subject, err), errorsx.ReasonTranscriptStore)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.logger.Info("bus_closing")
	_ = p.conn.Drain()
	p.conn.Close()
}

var _ session.TurnSink = (*Publisher)(nil)
