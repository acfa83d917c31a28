package transports

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Frame kinds, matching the websocket opcodes.
const (
	TextFrame   = websocket.TextMessage
	BinaryFrame = websocket.BinaryMessage
)

// Conn is one live bidirectional client connection. *websocket.Conn
// satisfies it; tests use the in-memory mock.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler serves one upgraded connection until it ends. r is the upgrade
// request, available for handshake parameters.
type Handler interface {
	ServeConn(ctx context.Context, conn Conn, r *http.Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn Conn, r *http.Request) error

func (f HandlerFunc) ServeConn(ctx context.Context, conn Conn, r *http.Request) error {
	return f(ctx, conn, r)
}

// IsClosed reports whether err is a normal or going-away close from the peer.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
