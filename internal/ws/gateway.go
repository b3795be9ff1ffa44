package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dm-service/internal/apperr"
	"dm-service/internal/auth"
	"dm-service/internal/config"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/telemetry"
)

// Authenticator resolves the handshake credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// Messages is the part of the message service driven by inbound events.
type Messages interface {
	Send(ctx context.Context, in models.NewMessage) (models.Message, error)
	MarkRead(ctx context.Context, receiverID, senderID int64) (int64, error)
}

// TypingRouter forwards typing indicators to the receiver.
type TypingRouter interface {
	RouteTyping(senderID, receiverID int64, isTyping bool)
}

// Emitter publishes connection lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, eventName string, userID int64, payload any)
}

// Gateway accepts websocket connections, admits them to the presence
// registry and turns inbound frames into service calls.
type Gateway struct {
	auth     Authenticator
	registry *presence.Registry
	messages Messages
	typing   TypingRouter
	events   Emitter
	cfg      config.WSConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewGateway(authn Authenticator, registry *presence.Registry, messages Messages, typing TypingRouter, events Emitter, cfg config.WSConfig, allowedOrigins []string) *Gateway {
	return &Gateway{
		auth:     authn,
		registry: registry,
		messages: messages,
		typing:   typing,
		events:   events,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients: make(map[*Client]struct{}),
	}
}

// Handle authenticates, upgrades and admits the connection. An unauthorized
// request gets a 401 and never reaches the registry.
func (g *Gateway) Handle(c *gin.Context) {
	if g.isClosing() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}

	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	identity, err := g.auth.Authenticate(ctx, auth.TokenFromRequest(c.Request))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		observability.IncWSEvent("ws_unauthorized")
		if errors.Is(err, apperr.ErrUpstream) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "auth service unavailable"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.Int64("user.id", identity.UserID))

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered the request
		span.RecordError(err)
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(identity, conn, info, g.cfg)

	// the request context ends with this handler; the connection outlives it
	connCtx := context.WithoutCancel(ctx)
	g.start(connCtx, client)
}

func (g *Gateway) start(ctx context.Context, client *Client) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		// shutdown began after the upgrade
		client.refuse(websocket.CloseGoingAway, "server shutdown")
		return
	}
	g.clients[client] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	go client.writePump()

	client.admit()
	superseded := g.registry.Admit(client.UserID(), client)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	g.emit(ctx, telemetry.EventWSConnect, client, "")
	client.log.Info().Msg("websocket connected")

	if superseded != nil {
		g.supersede(ctx, superseded)
	}

	go g.readPump(ctx, client)
}

func (g *Gateway) supersede(ctx context.Context, prev presence.Conn) {
	old, ok := prev.(*Client)
	if !ok {
		return
	}
	observability.IncWSEvent("ws_superseded")
	g.emit(ctx, telemetry.EventWSSuperseded, old, g.cfg.SupersedePolicy)
	old.log.Info().Str("policy", g.cfg.SupersedePolicy).Msg("connection superseded")

	if g.cfg.SupersedePolicy == config.SupersedeClose {
		old.terminate(CloseSuperseded, "superseded")
	}
}

func (g *Gateway) readPump(ctx context.Context, c *Client) {
	reason := ""
	defer func() { g.release(ctx, c, reason) }()

	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseSuperseded) &&
				c.State() == StateAdmitted {
				observability.IncWSEvent("ws_error")
				g.emit(ctx, telemetry.EventWSError, c, reason)
				c.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("malformed websocket frame dropped")
			observability.IncWSEvent("ws_malformed")
			continue
		}
		if !g.dispatch(ctx, c, env) {
			reason = "client disconnect"
			return
		}
	}
}

// dispatch handles one inbound event and reports whether to keep reading.
func (g *Gateway) dispatch(ctx context.Context, c *Client, env models.Envelope) bool {
	switch env.Event {
	case models.EventSendMessage:
		observability.IncWSEvent(env.Event)
		g.onSendMessage(ctx, c, env.Data)
	case models.EventTyping, models.EventStopTyping:
		observability.IncWSEvent(env.Event)
		var p models.TypingPayload
		if !decode(c, env, &p) || p.ReceiverID <= 0 {
			return true
		}
		g.typing.RouteTyping(c.UserID(), p.ReceiverID, env.Event == models.EventTyping)
	case models.EventJoinRoom, models.EventLeaveRoom:
		observability.IncWSEvent(env.Event)
		var p models.RoomPayload
		if !decode(c, env, &p) || p.RoomID == "" {
			return true
		}
		if env.Event == models.EventJoinRoom {
			c.joinRoom(p.RoomID)
		} else {
			c.leaveRoom(p.RoomID)
		}
	case models.EventMarkSeen:
		observability.IncWSEvent(env.Event)
		var p models.MarkSeenPayload
		if !decode(c, env, &p) {
			return true
		}
		if _, err := g.messages.MarkRead(ctx, c.UserID(), p.SenderID); err != nil {
			g.reject(c, err, "")
		}
	case models.EventDisconnect:
		observability.IncWSEvent(env.Event)
		c.terminate(websocket.CloseNormalClosure, "bye")
		return false
	default:
		observability.IncWSEvent("unknown")
		c.log.Warn().Str("event", env.Event).Msg("unknown websocket event dropped")
	}
	return true
}

func (g *Gateway) onSendMessage(ctx context.Context, c *Client, data json.RawMessage) {
	var p models.SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn().Err(err).Msg("malformed sendMessage payload")
		g.reject(c, fmt.Errorf("%w: malformed payload", apperr.ErrValidation), "")
		return
	}
	if p.SenderID != 0 && p.SenderID != c.UserID() {
		g.reject(c, fmt.Errorf("%w: senderId does not match the session", apperr.ErrValidation), p.ClientRef)
		return
	}

	msg, err := g.messages.Send(ctx, models.NewMessage{
		SenderID:   c.UserID(),
		ReceiverID: p.ReceiverID,
		Text:       p.Text,
		Image:      p.Image,
	})
	if err != nil {
		g.reject(c, err, p.ClientRef)
		return
	}
	_ = c.Send(models.EventMessageSent, models.MessageSent{ClientRef: p.ClientRef, Message: msg})
}

// reject tells the originating connection why its request failed.
func (g *Gateway) reject(c *Client, err error, clientRef string) {
	code := apperr.Code(err)
	message := err.Error()
	if code == "internal" {
		message = "internal error"
	}
	c.log.Debug().Err(err).Str("code", code).Msg("websocket request rejected")
	_ = c.Send(models.EventError, models.ErrorPayload{Code: code, Message: message, ClientRef: clientRef})
}

func decode(c *Client, env models.Envelope, into any) bool {
	if err := json.Unmarshal(env.Data, into); err != nil {
		c.log.Warn().Err(err).Str("event", env.Event).Msg("malformed websocket payload dropped")
		return false
	}
	return true
}

// release is the only path that evicts: it runs once the reader stops.
func (g *Gateway) release(ctx context.Context, c *Client, reason string) {
	c.terminate(websocket.CloseNormalClosure, "")
	evicted := g.registry.Evict(c.UserID(), c)

	observability.DecWSActive()
	observability.IncWSEvent("ws_disconnect")
	g.emit(ctx, telemetry.EventWSDisconnect, c, reason)
	c.log.Info().Bool("evicted", evicted).Str("reason", reason).Msg("websocket disconnected")

	c.markClosed()
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.wg.Done()
}

func (g *Gateway) emit(ctx context.Context, name string, c *Client, reason string) {
	if g.events == nil {
		return
	}
	g.events.Emit(ctx, name, c.UserID(), c.info.lifecyclePayload(name, reason))
}

// Shutdown refuses new handshakes, closes every connection with "going away"
// and waits for them to be released or for ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	for c := range g.clients {
		c.terminate(websocket.CloseGoingAway, "server shutdown")
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// ConnectionCount returns the number of open connections, superseded ones included.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}
