package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"securechat/internal/auth"
	"securechat/internal/chat"
	"securechat/internal/keydist"
	"securechat/internal/models"
	"securechat/internal/observability"
	"securechat/internal/ratelimit"
	"securechat/internal/repositories"
	"securechat/internal/telemetry"
)

const defaultHandlerTimeout = 10 * time.Second

type KeyDistributor interface {
	Distribute(ctx context.Context, roomID string) (models.RoomKeyBundle, error)
}

type MessageSubmitter interface {
	Submit(ctx context.Context, sender chat.Sender, payload models.SendMessagePayload) error
}

type TypingNotifier interface {
	NotifyTyping(ctx context.Context, sender chat.Sender, payload models.TypingPayload) error
}

type ReadMarker interface {
	MarkRead(ctx context.Context, sender chat.Sender, payload models.ReadReceiptPayload) error
}

// GatewayConfig wires the gateway to the hub and the event handlers.
// Limiter and Audit are optional.
type GatewayConfig struct {
	Hub      *Hub
	Verifier auth.Verifier
	Rooms    repositories.RoomRepository
	Keys     KeyDistributor
	Messages MessageSubmitter
	Typing   TypingNotifier
	Receipts ReadMarker
	Limiter  ratelimit.Limiter
	Audit    *telemetry.AuditEmitter

	RequireMembership bool
	HandlerTimeout    time.Duration
}

// Gateway authenticates websocket clients and dispatches their events.
type Gateway struct {
	cfg GatewayConfig
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	return &Gateway{cfg: cfg}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the handshake, upgrades the connection and serves it
// until the client goes away. An invalid token gets 401 before upgrade.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("securechat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	requestID := observability.RequestIDFromRequest(c.Request)
	token := auth.StripBearer(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}

	identity, err := g.cfg.Verifier.Verify(ctx, token)
	if err != nil {
		g.cfg.Audit.Emit(ctx, telemetry.Record{
			Level:     telemetry.LevelWarn,
			Action:    telemetry.ActionHandshakeRejected,
			Text:      "websocket handshake rejected: " + err.Error(),
			RequestID: requestID,
		})
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user.id", identity.UserID))

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	traceID := span.SpanContext().TraceID().String()
	conn := newConn(wsConn, identity, token, ConnInfo{
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	})

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	_ = observability.PublishEvent(ctx, wsRoutingKey, wsEventEnvelope("ws_connect", "", conn.Info(), ""), observability.BuildHeaders(requestID, traceID))
	log.Debug().Str("conn_id", conn.ID()).Str("user_id", identity.UserID).Msg("websocket connected")

	go conn.writePump()
	go g.readLoop(conn)
}

func (g *Gateway) readLoop(conn *Conn) {
	info := conn.Info()
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	var closeReason string
	defer func() {
		left := g.cfg.Hub.UnsubscribeAll(conn.ID())
		conn.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		_ = observability.PublishEvent(context.Background(), wsRoutingKey, wsEventEnvelope("ws_disconnect", "", info, closeReason), headers)
		log.Debug().Str("conn_id", conn.ID()).Strs("rooms", left).Str("reason", closeReason).Msg("websocket disconnected")
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.closed() {
				observability.IncWSEvent("ws_error")
				_ = observability.PublishEvent(context.Background(), wsRoutingKey, wsEventEnvelope("ws_error", "", info, closeReason), headers)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			conn.SendError("invalid frame")
			continue
		}
		if g.cfg.Limiter != nil && !g.cfg.Limiter.Allow(context.Background(), conn.UserID()) {
			observability.IncWSRateLimited()
			conn.SendError("rate limit exceeded")
			continue
		}
		g.dispatch(conn, env)
	}
}

// dispatch runs one event to completion. The context is detached from the
// connection so a disconnect does not cancel a write in flight.
func (g *Gateway) dispatch(conn *Conn, env models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.HandlerTimeout)
	defer cancel()
	observability.IncWSEvent(env.Event)

	logger := log.With().Str("conn_id", conn.ID()).Str("user_id", conn.UserID()).Str("event", env.Event).Logger()

	switch env.Event {
	case models.EventJoinRoom:
		var req models.RoomRequest
		if !decodeInto(conn, env, &req) || !requireRoom(conn, req.RoomID) {
			return
		}
		g.join(ctx, conn, req.RoomID)

	case models.EventLeaveRoom:
		var req models.RoomRequest
		if !decodeInto(conn, env, &req) || !requireRoom(conn, req.RoomID) {
			return
		}
		g.cfg.Hub.Unsubscribe(req.RoomID, conn.ID())

	case models.EventRequestRoomKey:
		var req models.RoomRequest
		if !decodeInto(conn, env, &req) || !requireRoom(conn, req.RoomID) || !g.requireSubscribed(conn, req.RoomID) {
			return
		}
		g.distribute(ctx, conn, req.RoomID, true)

	case models.EventSendMessage:
		var payload models.SendMessagePayload
		if !decodeInto(conn, env, &payload) || !g.requireSubscribed(conn, payload.RoomID) {
			return
		}
		if err := g.cfg.Messages.Submit(ctx, conn, payload); err != nil {
			logger.Debug().Err(err).Str("room_id", payload.RoomID).Msg("send-message rejected")
		}

	case models.EventTyping:
		var payload models.TypingPayload
		if !decodeInto(conn, env, &payload) || !g.requireSubscribed(conn, payload.RoomID) {
			return
		}
		if err := g.cfg.Typing.NotifyTyping(ctx, conn, payload); err != nil {
			logger.Debug().Err(err).Msg("typing rejected")
		}

	case models.EventMarkRead:
		var payload models.ReadReceiptPayload
		if !decodeInto(conn, env, &payload) || !g.requireSubscribed(conn, payload.RoomID) {
			return
		}
		if err := g.cfg.Receipts.MarkRead(ctx, conn, payload); err != nil {
			logger.Debug().Err(err).Str("message_id", payload.MessageID).Msg("mark-read rejected")
		}

	default:
		conn.SendError("unknown event: " + env.Event)
	}
}

func (g *Gateway) join(ctx context.Context, conn *Conn, roomID string) {
	if g.cfg.RequireMembership {
		member, err := g.cfg.Rooms.IsMember(ctx, roomID, conn.UserID())
		if err != nil {
			log.Error().Err(err).Str("room_id", roomID).Str("user_id", conn.UserID()).Msg("membership check failed")
			conn.SendError("failed to join room")
			return
		}
		if !member {
			conn.SendError("not a member of this room")
			return
		}
	}
	g.cfg.Hub.Subscribe(roomID, conn)
	g.distribute(ctx, conn, roomID, false)
}

// distribute hands out a fresh room key. Only an explicit request reports
// failures back to the client.
func (g *Gateway) distribute(ctx context.Context, conn *Conn, roomID string, explicit bool) {
	_, err := g.cfg.Keys.Distribute(ctx, roomID)
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrRoomNotFound):
		log.Debug().Str("room_id", roomID).Msg("key distribution skipped: room not found")
	case errors.Is(err, keydist.ErrDisabled):
		if explicit {
			conn.SendError(keydist.ErrDisabled.Error())
		}
	default:
		log.Error().Err(err).Str("room_id", roomID).Msg("room key distribution failed")
		if explicit {
			conn.SendError("failed to distribute room key")
		}
	}
}

func (g *Gateway) requireSubscribed(conn *Conn, roomID string) bool {
	if !requireRoom(conn, roomID) {
		return false
	}
	if g.cfg.RequireMembership && !g.cfg.Hub.IsSubscribed(roomID, conn.ID()) {
		conn.SendError("join the room first")
		return false
	}
	return true
}

func decodeInto(conn *Conn, env models.Envelope, dst any) bool {
	if len(env.Data) == 0 {
		conn.SendError("missing payload for " + env.Event)
		return false
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		conn.SendError("invalid payload for " + env.Event)
		return false
	}
	return true
}

func requireRoom(conn *Conn, roomID string) bool {
	if roomID == "" {
		conn.SendError("roomId is required")
		return false
	}
	return true
}
