// Package transcripts keeps a durable snapshot of finalized session turns.
package transcripts

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/session"
	_ "modernc.org/sqlite"
)

// Turn is a stored turn row.
type Turn struct {
	ID           int64
	SessionID    string
	Role         session.Role
	Content      string
	Confidence   *float64
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// Store is a sqlite-backed session.TurnSink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file and schema when missing.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("transcripts path is required")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, logger: logging.NewComponentLogger(logger, "transcripts")}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT,
    provider TEXT,
    model TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    confidence REAL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// RecordTurn upserts the session row and appends the turn.
func (s *Store) RecordTurn(ctx context.Context, snap session.VoiceSession, turn session.VoiceTurn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, provider, model, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		snap.ID, snap.UserID, snap.Provider, snap.Model, created.UTC()); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	at := turn.At
	if at.IsZero() {
		at = time.Now()
	}
	var confidence sql.NullFloat64
	if turn.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *turn.Confidence, Valid: true}
	}
	var in, out int
	if turn.Usage != nil {
		in, out = turn.Usage.InputTokens, turn.Usage.OutputTokens
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns(session_id, role, content, confidence, input_tokens, output_tokens, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, string(turn.Role), turn.Content, confidence, in, out, at.UTC()); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return tx.Commit()
}

// Turns returns a session's turns oldest first.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, confidence, input_tokens, output_tokens, created_at
		 FROM turns WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
			conf sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Content, &conf, &t.InputTokens, &t.OutputTokens, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = session.Role(role)
		if conf.Valid {
			v := conf.Float64
			t.Confidence = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SessionCount reports how many sessions have at least one stored turn.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ session.TurnSink = (*Store)(nil)
