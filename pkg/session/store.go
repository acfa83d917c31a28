package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voxa/pkg/logging"
)

// Store holds the live sessions of this process.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	sink     TurnSink
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewStore creates an empty store. sink may be nil.
func NewStore(sink TurnSink, logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		sink:     sink,
		logger:   logging.NewComponentLogger(logger, "session_store"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create registers a new idle session.
func (st *Store) Create(req Request) *Session {
	sess := newSession(st.newID(), req, st.sink, st.logger, st.now)
	st.mu.Lock()
	st.sessions[sess.ID()] = sess
	st.mu.Unlock()
	return sess
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Remove drops the session from the store and closes it.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	sess := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// ReapIdle closes and removes sessions with no activity within timeout.
func (st *Store) ReapIdle(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	cutoff := st.now().Add(-timeout)
	var stale []*Session
	st.mu.Lock()
	for id, sess := range st.sessions {
		if sess.LastActivity().Before(cutoff) {
			stale = append(stale, sess)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, sess := range stale {
		st.logger.Info("session_idle_reaped", "session_id", sess.ID(), "user_id", sess.UserID())
		sess.Close()
		ids = append(ids, sess.ID())
	}
	return ids
}

// CloseAll closes every session; used while draining.
func (st *Store) CloseAll() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, sess := range all {
		sess.Close()
	}
}
