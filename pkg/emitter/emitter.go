// Package emitter serializes outbound envelopes onto one client connection.
package emitter

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxa/pkg/logging"
	"github.com/harunnryd/voxa/pkg/metrics"
	"github.com/harunnryd/voxa/pkg/protocol"
	"github.com/harunnryd/voxa/pkg/transports"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Emitter owns the write side of a connection. Send never blocks longer
// than the write timeout and is a no-op once the emitter is closed.
type Emitter struct {
	conn         transports.Conn
	sendCh       chan []byte
	writeTimeout time.Duration
	logger       *slog.Logger
	observer     metrics.Observer
	now          func() time.Time

	mu      sync.RWMutex
	closed  bool
	closeCh chan struct{}
	done    chan struct{}
	once    sync.Once
}

func New(conn transports.Conn, cfg Config) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	e := &Emitter{
		conn:         conn,
		sendCh:       make(chan []byte, cfg.QueueSize),
		writeTimeout: cfg.WriteTimeout,
		logger:       logging.NewComponentLogger(cfg.Logger, "emitter"),
		observer:     cfg.Observer,
		now:          time.Now,
		closeCh:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

// Send stamps and queues env for delivery.
func (e *Emitter) Send(env protocol.Envelope) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	if env.Timestamp == 0 {
		env.Timestamp = e.now().UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		e.logger.Error("emitter_marshal_failed", "type", string(env.Type), "error", err.Error())
		return
	}
	select {
	case e.sendCh <- data:
		return
	default:
	}
	timer := time.NewTimer(e.writeTimeout)
	defer timer.Stop()
	select {
	case e.sendCh <- data:
	case <-e.closeCh:
	case <-timer.C:
		e.logger.Warn("emitter_frame_dropped", "type", string(env.Type), "event", string(env.Event))
		metrics.Record(e.observer, metrics.EventEmitterDropped, 1, map[string]string{"type": string(env.Type)})
	}
}

// Close stops accepting envelopes, flushes what is queued and closes the
// connection.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.closeCh)
		e.mu.Lock()
		e.closed = true
		close(e.sendCh)
		e.mu.Unlock()
		<-e.done
		_ = e.conn.Close()
	})
}

// Closed reports whether Close has been called.
func (e *Emitter) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Emitter) writeLoop() {
	defer close(e.done)
	failed := false
	for data := range e.sendCh {
		if failed {
			continue
		}
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
		if err := e.conn.WriteMessage(transports.TextFrame, data); err != nil {
			failed = true
			if !transports.IsClosed(err) {
				e.logger.Warn("emitter_write_failed", "error", err.Error())
			}
		}
	}
}

var _ protocol.Sender = (*Emitter)(nil)
