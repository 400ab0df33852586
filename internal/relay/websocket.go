package relay

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = time.Second

// WebSocketTransport carries relay frames as binary WebSocket messages.
type WebSocketTransport struct {
	conn          *websocket.Conn
	maxFrameBytes int64
}

// NewWebSocketTransport wraps an upgraded connection. Messages above maxFrameBytes fail with
// ErrFrameTooLarge without being buffered whole.
func NewWebSocketTransport(conn *websocket.Conn, maxFrameBytes int64) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, maxFrameBytes: int64OrDefault(maxFrameBytes, defaultMaxFrameBytes)}
}

// ReadMessage implements Transport.
func (t *WebSocketTransport) ReadMessage() ([]byte, error) {
	messageType, reader, err := t.conn.NextReader()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: text message", ErrMalformedFrame)
	}
	data, err := io.ReadAll(io.LimitReader(reader, t.maxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > t.maxFrameBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, t.maxFrameBytes)
	}
	return data, nil
}

// WriteMessage implements Transport.
func (t *WebSocketTransport) WriteMessage(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SetReadDeadline implements Transport.
func (t *WebSocketTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

// Close implements Transport.
func (t *WebSocketTransport) Close(code int, reason string) error {
	message := websocket.FormatCloseMessage(code, reason)
	writeErr := t.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteTimeout))
	if errors.Is(writeErr, websocket.ErrCloseSent) {
		writeErr = nil
	}
	return errors.Join(writeErr, t.conn.Close())
}
