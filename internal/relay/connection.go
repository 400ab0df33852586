package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultSendQueueFrames = 256
	defaultSendQueueBytes  = 4 << 20
	defaultMaxFrameBytes   = 16 << 20
	defaultKeepAlive       = 20 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultWriteTimeout    = 10 * time.Second
)

// Transport is the framed bidirectional stream beneath a Connection. ReadMessage is called from a
// single goroutine and WriteMessage from another; Close may be called concurrently with both.
type Transport interface {
	// ReadMessage blocks until a whole binary frame arrives. It returns io.EOF once the peer has
	// closed the stream.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, deadline time.Time) error
	SetReadDeadline(deadline time.Time) error
	// Close sends the close code and reason when the stream is still open, then releases it.
	Close(code int, reason string) error
}

// ConnectionConfig describes the limits applied to one peer.
type ConnectionConfig struct {
	SendQueueFrames int
	SendQueueBytes  int64
	MaxFrameBytes   int64
	KeepAlive       time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
	Logger          *zap.Logger
}

// Connection is one authorized peer of a Session.
type Connection struct {
	id        string
	grant     access.Grant
	transport Transport
	logger    *zap.Logger

	maxQueueBytes int64
	maxFrameBytes int64
	keepAlive     time.Duration
	idleTimeout   time.Duration
	writeTimeout  time.Duration

	send        chan []byte
	queuedBytes atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	done        chan struct{}
	released    chan struct{}

	session *Session
}

// NewConnection wraps an authorized transport.
func NewConnection(transport Transport, grant access.Grant, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := ulid.Make().String()
	return &Connection{
		id:            id,
		grant:         grant,
		transport:     transport,
		logger:        logger.With(zap.String("connection_id", id), zap.String("user_id", grant.SubjectID), zap.String("permission", grant.Permission.String())),
		maxQueueBytes: int64OrDefault(cfg.SendQueueBytes, defaultSendQueueBytes),
		maxFrameBytes: int64OrDefault(cfg.MaxFrameBytes, defaultMaxFrameBytes),
		keepAlive:     durationOrDefault(cfg.KeepAlive, defaultKeepAlive),
		idleTimeout:   durationOrDefault(cfg.IdleTimeout, defaultIdleTimeout),
		writeTimeout:  durationOrDefault(cfg.WriteTimeout, defaultWriteTimeout),
		send:          make(chan []byte, intOrDefault(cfg.SendQueueFrames, defaultSendQueueFrames)),
		done:          make(chan struct{}),
		released:      make(chan struct{}),
	}
}

// ID returns the connection identifier used in logs.
func (c *Connection) ID() string {
	return c.id
}

// Grant returns the subject and permission negotiated at handshake.
func (c *Connection) Grant() access.Grant {
	return c.grant
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, nil for a normal close.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close closes the connection with the close code mapped from err. It never blocks on the
// transport: the close frame is written by a separate goroutine, since a peer that stopped reading
// can hold the socket's write lock until the write deadline.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = err
		close(c.done)
		for drained := false; !drained; {
			select {
			case <-c.send:
			default:
				drained = true
			}
		}
		code, reason := CloseCodeFor(err)
		if err != nil {
			c.logger.Info("connection closed", zap.Int("code", code), zap.String("reason", reason), zap.Error(err))
		}
		go c.release(code, reason)
	})
}

// Released is closed once the transport has been closed.
func (c *Connection) Released() <-chan struct{} {
	return c.released
}

func (c *Connection) release(code int, reason string) {
	defer close(c.released)
	if err := c.transport.Close(code, reason); err != nil {
		c.logger.Debug("transport close failed", zap.Error(err))
	}
}

// enqueue hands a frame to the write pump. A full queue closes the connection for backpressure.
// A single frame larger than the byte budget is accepted when nothing else is queued.
func (c *Connection) enqueue(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	size := int64(len(frame))
	if total := c.queuedBytes.Add(size); total > c.maxQueueBytes && total != size {
		c.Close(ErrBackpressure)
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Close(ErrBackpressure)
		return false
	}
}

// run pumps frames between the transport and the session until the connection closes.
func (c *Connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			c.Close(ErrShuttingDown)
		case <-c.done:
		}
	}()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	c.readPump(ctx)
	<-writerDone
	<-c.released
}

func (c *Connection) readPump(ctx context.Context) {
	for {
		if err := c.transport.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			c.Close(c.readFailure(err))
			return
		}
		raw, err := c.transport.ReadMessage()
		if err != nil {
			c.Close(c.readFailure(err))
			return
		}
		if int64(len(raw)) > c.maxFrameBytes {
			c.Close(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw)))
			return
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			c.Close(err)
			return
		}
		if frame.Type == MessageKeepAlive {
			continue
		}
		if err := c.session.deliver(ctx, c, frame); err != nil {
			c.Close(err)
			return
		}
	}
}

func (c *Connection) readFailure(err error) error {
	if c.closed.Load() || errors.Is(err, io.EOF) {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ErrIdleTimeout
	}
	return err
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	keepAlive := EncodeFrame(MessageKeepAlive, nil)
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.queuedBytes.Add(-int64(len(frame)))
			if err := c.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(keepAlive); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(frame []byte) error {
	err := c.transport.WriteMessage(frame, time.Now().Add(c.writeTimeout))
	if err != nil && !c.closed.Load() {
		c.Close(fmt.Errorf("relay: write: %w", err))
	}
	return err
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func int64OrDefault(value, fallback int64) int64 {
	if value <= 0 {
		return fallback
	}
	return value
}
