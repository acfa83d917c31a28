package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxa/pkg/errorsx"
)

var (
	ErrEmptyTurn   = errors.New("turn content is empty")
	ErrInvalidRole = errors.New("turn role is invalid")
)

const sinkTimeout = 5 * time.Second

// Session is the live, mutex-guarded state of one connection. State and
// turns are only mutated through its methods.
type Session struct {
	mu        sync.Mutex
	data      VoiceSession
	listeners []StateListener
	sink      TurnSink
	logger    *slog.Logger
	now       func() time.Time

	closeOnce sync.Once
	closeFns  []func()
	done      chan struct{}
}

func newSession(id string, req Request, sink TurnSink, logger *slog.Logger, now func() time.Time) *Session {
	ts := now()
	return &Session{
		data: VoiceSession{
			ID:           id,
			UserID:       req.UserID,
			Provider:     req.Provider,
			Model:        req.Model,
			VoiceID:      req.VoiceID,
			Options:      req.Options,
			State:        StateIdle,
			CreatedAt:    ts,
			LastActivity: ts,
		},
		sink:   sink,
		logger: logger,
		now:    now,
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.data.ID }

func (s *Session) UserID() string { return s.data.UserID }

func (s *Session) Options() Options { return s.data.Options }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State
}

// Transition moves the session to state and notifies listeners.
func (s *Session) Transition(to State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, reason)
}

// TransitionIf moves to state only when the current state is one of from.
// It reports whether the transition happened.
func (s *Session) TransitionIf(to State, reason string, from ...State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if f == s.data.State {
			return s.transitionLocked(to, reason) == nil
		}
	}
	return false
}

func (s *Session) transitionLocked(to State, reason string) error {
	from := s.data.State
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	s.data.State = to
	change := StateChange{
		SessionID: s.data.ID,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        s.now(),
	}
	for _, l := range s.listeners {
		l(change)
	}
	return nil
}

func (s *Session) OnStateChange(l StateListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// AppendTurn records a finalized turn and forwards it to the sink.
func (s *Session) AppendTurn(turn VoiceTurn) error {
	if strings.TrimSpace(turn.Content) == "" {
		return ErrEmptyTurn
	}
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return ErrInvalidRole
	}
	s.mu.Lock()
	if turn.At.IsZero() {
		turn.At = s.now()
	}
	s.data.Turns = append(s.data.Turns, turn)
	header := s.headerLocked()
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := sink.RecordTurn(ctx, header, turn); err != nil {
			s.logger.Warn("session_turn_sink_error",
				"session_id", header.ID,
				"reason_code", string(errorsx.ReasonTranscriptStore),
				"error", err.Error())
		}
	}
	return nil
}

// Turns returns a copy of the turns appended so far.
func (s *Session) Turns() []VoiceTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VoiceTurn, len(s.data.Turns))
	copy(out, s.data.Turns)
	return out
}

// Touch refreshes the idle-timeout clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.data.LastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastActivity
}

// Snapshot copies the full session including turns.
func (s *Session) Snapshot() VoiceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.headerLocked()
	snap.Turns = make([]VoiceTurn, len(s.data.Turns))
	copy(snap.Turns, s.data.Turns)
	return snap
}

func (s *Session) headerLocked() VoiceSession {
	h := s.data
	h.Turns = nil
	h.Options.Capabilities = append([]string(nil), s.data.Options.Capabilities...)
	return h
}

// OnClose registers fn to run once when the session is closed.
func (s *Session) OnClose(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

// Close runs the close hooks once. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		fns := s.closeFns
		s.closeFns = nil
		s.mu.Unlock()
		close(s.done)
		for _, fn := range fns {
			fn()
		}
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }
