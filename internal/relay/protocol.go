package relay

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"github.com/MarcoPoloResearchLab/docrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
)

// MessageType is the first byte of every frame.
type MessageType byte

const (
	MessageSyncStep1 MessageType = 0
	MessageSyncStep2 MessageType = 1
	MessageUpdate    MessageType = 2
	MessageAwareness MessageType = 3
	MessageKeepAlive MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync_step_1"
	case MessageSyncStep2:
		return "sync_step_2"
	case MessageUpdate:
		return "update"
	case MessageAwareness:
		return "awareness"
	case MessageKeepAlive:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Close codes sent to peers.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseServerError   = 1011
	CloseProtocolError = 4400
	CloseUnauthorized  = 4401
	CloseForbidden     = 4403
	CloseIdleTimeout   = 4408
	CloseBackpressure  = 4409
	CloseFrameTooLarge = 4413
)

var (
	// ErrMalformedFrame indicates an empty frame or an undecodable payload.
	ErrMalformedFrame = errors.New("relay: malformed frame")
	// ErrUnknownMessageType indicates a frame whose type byte is not part of the protocol.
	ErrUnknownMessageType = errors.New("relay: unknown message type")
	// ErrFrameTooLarge indicates a frame above the configured limit.
	ErrFrameTooLarge = errors.New("relay: frame too large")
	// ErrBackpressure indicates a peer that could not keep up with its send queue.
	ErrBackpressure = errors.New("relay: backpressure")
	// ErrIdleTimeout indicates a peer that stayed silent past the idle limit.
	ErrIdleTimeout = errors.New("relay: idle timeout")
	// ErrDocumentNotFound indicates that the document does not exist.
	ErrDocumentNotFound = errors.New("relay: document not found")
	// ErrSessionClosed indicates a session that retired before the request was handled.
	ErrSessionClosed = errors.New("relay: session closed")
	// ErrShuttingDown indicates that the registry no longer accepts peers.
	ErrShuttingDown = errors.New("relay: shutting down")
)

// Frame is one decoded protocol message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// DecodeFrame splits a transport message into its type and payload.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	frameType := MessageType(raw[0])
	if frameType > MessageKeepAlive {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, raw[0])
	}
	return Frame{Type: frameType, Payload: raw[1:]}, nil
}

// EncodeFrame prefixes payload with its type byte.
func EncodeFrame(frameType MessageType, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(frameType))
	return append(frame, payload...)
}

// CloseCodeFor maps an error to the close code and reason sent to the peer.
func CloseCodeFor(err error) (int, string) {
	switch {
	case err == nil:
		return CloseNormal, "normal"
	case errors.Is(err, access.ErrTokenExpired):
		return CloseUnauthorized, "token-expired"
	case errors.Is(err, access.ErrUnauthorized):
		return CloseUnauthorized, "unauthorized"
	case errors.Is(err, access.ErrForbidden):
		return CloseForbidden, "forbidden"
	case errors.Is(err, ErrIdleTimeout):
		return CloseIdleTimeout, "idle-timeout"
	case errors.Is(err, ErrBackpressure):
		return CloseBackpressure, "backpressure"
	case errors.Is(err, ErrFrameTooLarge):
		return CloseFrameTooLarge, "frame-too-large"
	case errors.Is(err, ErrMalformedFrame),
		errors.Is(err, ErrUnknownMessageType),
		errors.Is(err, crdt.ErrMalformedUpdate):
		return CloseProtocolError, "protocol-error"
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, documents.ErrNotFound):
		return CloseForbidden, "forbidden"
	case errors.Is(err, ErrShuttingDown):
		return CloseGoingAway, "going-away"
	default:
		return CloseServerError, "server-error"
	}
}
