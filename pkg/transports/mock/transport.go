package mock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxa/pkg/transports"
)

// ErrClosed is returned by reads and writes after Close.
var ErrClosed = errors.New("mock conn closed")

// Frame is one message passed through the mock connection.
type Frame struct {
	Type int
	Data []byte
}

// Conn is an in-memory transports.Conn. Tests push inbound frames with
// PushText/PushBinary and read what the server wrote from Written.
type Conn struct {
	inbound chan Frame
	written chan Frame
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}

	mu       sync.Mutex
	writeErr error
}

func New() *Conn {
	return &Conn{
		inbound: make(chan Frame, 256),
		written: make(chan Frame, 1024),
		done:    make(chan struct{}),
	}
}

func (c *Conn) PushText(data string) {
	c.inbound <- Frame{Type: transports.TextFrame, Data: []byte(data)}
}

func (c *Conn) PushBinary(data []byte) {
	c.inbound <- Frame{Type: transports.BinaryFrame, Data: data}
}

// Written exposes frames written by the server side.
func (c *Conn) Written() <-chan Frame { return c.written }

// FailWrites makes every subsequent write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.inbound:
		return f.Type, f.Data, nil
	case <-c.done:
		return 0, nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.written <- Frame{Type: messageType, Data: buf}:
		return nil
	default:
		return errors.New("mock conn write buffer full")
	}
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *Conn) Closed() bool { return c.closed.Load() }

var _ transports.Conn = (*Conn)(nil)
