package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/screenshare/streaming-server/pkg/types"
)

// WebSocketWriter sends each frame as one binary message.
type WebSocketWriter struct {
	conn    *websocket.Conn
	timeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	shutOnce sync.Once
	shutErr  error
}

// closeGrace bounds the close frame write; a stalled peer must not delay
// closing the connection.
const closeGrace = 100 * time.Millisecond

// NewWebSocketWriter wraps an upgraded connection and starts a reader that
// notices when the peer goes away. Call Closed to observe that.
func NewWebSocketWriter(conn *websocket.Conn, timeout time.Duration) *WebSocketWriter {
	w := &WebSocketWriter{
		conn:    conn,
		timeout: timeout,
		closed:  make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// readLoop discards client messages; gorilla needs a reader to process
// control frames.
func (w *WebSocketWriter) readLoop() {
	defer w.closeOnce.Do(func() { close(w.closed) })
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Closed is closed when the peer disconnects or sends a close frame.
func (w *WebSocketWriter) Closed() <-chan struct{} { return w.closed }

// WriteFrame implements FrameWriter.
func (w *WebSocketWriter) WriteFrame(frame *types.Frame) error {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a normal close frame and closes the connection. Later calls
// return the first result.
func (w *WebSocketWriter) Close() error {
	w.shutOnce.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
		w.shutErr = w.conn.Close()
	})
	return w.shutErr
}

// Transport names the writer in session listings.
func (w *WebSocketWriter) Transport() string { return "websocket" }
