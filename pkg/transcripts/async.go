package transcripts

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxa/pkg/errorsx"
	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/session"
)

const asyncWriteTimeout = 5 * time.Second

type record struct {
	snap session.VoiceSession
	turn session.VoiceTurn
}

// AsyncSink moves turn writes off the session's goroutines. When the buffer
// is full the turn is dropped and counted.
type AsyncSink struct {
	inner   session.TurnSink
	ch      chan record
	logger  *slog.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

func NewAsyncSink(inner session.TurnSink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncSink{
		inner:  inner,
		ch:     make(chan record, buffer),
		logger: logging.NewComponentLogger(logger, "transcripts_async"),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncSink) RecordTurn(ctx context.Context, snap session.VoiceSession, turn session.VoiceTurn) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.ch <- record{snap: snap, turn: turn}:
	default:
		a.dropped.Add(1)
		a.logger.Warn("transcript_turn_dropped", "session_id", snap.ID, "reason_code", string(errorsx.ReasonTranscriptStore))
	}
	return nil
}

func (a *AsyncSink) Dropped() int64 { return a.dropped.Load() }

// Close flushes queued turns and stops the worker.
func (a *AsyncSink) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		<-a.done
	})
}

func (a *AsyncSink) loop() {
	defer close(a.done)
	for rec := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		if err := a.inner.RecordTurn(ctx, rec.snap, rec.turn); err != nil {
			a.logger.Warn("transcript_write_failed", "session_id", rec.snap.ID, "error", err.Error(), "reason_code", string(errorsx.ReasonTranscriptStore))
		}
		cancel()
	}
}

// MultiSink fans a turn out to several sinks.
type MultiSink []session.TurnSink

func (m MultiSink) RecordTurn(ctx context.Context, snap session.VoiceSession, turn session.VoiceTurn) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordTurn(ctx, snap, turn); err != nil && first == nil {
			first = err
		}
	}
	return first
}
