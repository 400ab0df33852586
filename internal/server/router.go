package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"github.com/MarcoPoloResearchLab/docrelay/internal/notify"
	"github.com/MarcoPoloResearchLab/docrelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	grantContextKey       = "docrelay_grant"
	documentIDParam       = "documentID"
	relaySubprotocol      = "docrelay"
	bearerSubprotocol     = "bearer."
	eventHeartbeat        = "heartbeat"
	eventHeartbeatPeriod  = 25 * time.Second
	websocketBufferBytes  = 32 << 10
	authorizationHeader   = "Authorization"
	bearerPrefix          = "Bearer "
	websocketProtocolName = "Sec-WebSocket-Protocol"
)

var (
	errMissingGate     = errors.New("access gate dependency required")
	errMissingRegistry = errors.New("session registry dependency required")
	errMissingEvents   = errors.New("event source dependency required")
)

// Authorizer maps a bearer token and document to a grant.
type Authorizer interface {
	Authorize(ctx context.Context, token, documentID string) (access.Grant, error)
}

// SessionHost runs relay connections.
type SessionHost interface {
	Serve(ctx context.Context, documentID string, conn *relay.Connection) error
	Count() int
}

// EventSource streams document-edited events.
type EventSource interface {
	Subscribe(ctx context.Context, documentID string) (<-chan notify.Event, func())
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Gate           Authorizer
	Registry       SessionHost
	Events         EventSource
	Connection     relay.ConnectionConfig
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the relay, the event stream and health.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{authorizationHeader, "Content-Type", websocketProtocolName},
		MaxAge:       12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		gate:       deps.Gate,
		registry:   deps.Registry,
		events:     deps.Events,
		connection: deps.Connection,
		origins:    origins,
		logger:     logger,
	}
	handler.connection.Logger = logger

	router.GET("/healthz", handler.handleHealth)

	documents := router.Group("/documents/:" + documentIDParam)
	documents.Use(bridgeQueryToken)
	documents.GET("/relay", handler.handleRelay)
	documents.GET("/events", handler.authorizeDocument, handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	gate       Authorizer
	registry   SessionHost
	events     EventSource
	connection relay.ConnectionConfig
	origins    []string
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.registry.Count()})
}

// handleRelay upgrades first so that handshake failures reach the peer as close codes.
func (h *httpHandler) handleRelay(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param(documentIDParam))
	token := bearerToken(c.Request)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  websocketBufferBytes,
		WriteBufferSize: websocketBufferBytes,
		Subprotocols:    []string{relaySubprotocol},
		CheckOrigin:     h.checkOrigin,
	}
	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	transport := relay.NewWebSocketTransport(socket, h.connection.MaxFrameBytes)

	grant, err := h.gate.Authorize(c.Request.Context(), token, documentID)
	if err != nil {
		h.logRejection(documentID, err)
		code, reason := relay.CloseCodeFor(err)
		_ = transport.Close(code, reason)
		return
	}

	conn := relay.NewConnection(transport, grant, h.connection)
	h.logger.Debug("relay connection accepted",
		zap.String("document_id", documentID),
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", grant.SubjectID),
		zap.String("permission", grant.Permission.String()))
	if err := h.registry.Serve(c.Request.Context(), documentID, conn); err != nil {
		h.logger.Debug("relay connection ended", zap.String("connection_id", conn.ID()), zap.Error(err))
	}
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	documentID := c.Param(documentIDParam)
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, documentID)
	defer cleanup()
	if grant, ok := c.Get(grantContextKey); ok {
		h.logger.Debug("event stream opened",
			zap.String("document_id", documentID),
			zap.String("user_id", grant.(access.Grant).SubjectID))
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventHeartbeat, gin.H{"document_id": documentID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(eventHeartbeatPeriod)
	defer heartbeat.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(notify.EventDocumentEdited, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"document_id": documentID})
			return true
		}
	})
}

func (h *httpHandler) authorizeDocument(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param(documentIDParam))
	token := bearerToken(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	grant, err := h.gate.Authorize(c.Request.Context(), token, documentID)
	if err != nil {
		h.logRejection(documentID, err)
		switch {
		case errors.Is(err, access.ErrTokenExpired):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_expired"})
		case errors.Is(err, access.ErrUnauthorized):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, access.ErrForbidden):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authorization_failed"})
		}
		return
	}
	c.Set(grantContextKey, grant)
	c.Next()
}

func (h *httpHandler) logRejection(documentID string, err error) {
	fields := []zap.Field{zap.String("document_id", documentID), zap.Error(err)}
	switch {
	case errors.Is(err, access.ErrTokenExpired):
		h.logger.Info("access rejected", fields...)
	case errors.Is(err, access.ErrUnauthorized), errors.Is(err, access.ErrForbidden):
		h.logger.Warn("access rejected", fields...)
	default:
		h.logger.Error("access check failed", fields...)
	}
}

func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.origins, "*") {
		return true
	}
	return slices.Contains(h.origins, origin)
}

// bridgeQueryToken lets clients that cannot set headers, such as EventSource, pass the token as
// ?token= or ?access_token=.
func bridgeQueryToken(c *gin.Context) {
	if c.GetHeader(authorizationHeader) == "" {
		for _, key := range []string{"token", "access_token"} {
			if token := strings.TrimSpace(c.Query(key)); token != "" {
				c.Request.Header.Set(authorizationHeader, bearerPrefix+token)
				break
			}
		}
	}
	c.Next()
}

// bearerToken reads the token from the Authorization header or from a "bearer.<token>" websocket
// subprotocol.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get(authorizationHeader); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	for _, protocol := range websocket.Subprotocols(r) {
		if token, ok := strings.CutPrefix(protocol, bearerSubprotocol); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}
