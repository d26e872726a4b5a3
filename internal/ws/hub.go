package ws

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"securechat/internal/models"
	"securechat/internal/observability"
)

const fanoutStripes = 64

// Hub tracks which connections are subscribed to which rooms. One user may
// hold several connections.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*Conn
	connRooms map[string]map[string]struct{}

	// fan-out for a room runs under one stripe so every subscriber sees
	// the same order
	fanout [fanoutStripes]sync.Mutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds conn to roomID. Subscribing twice is a no-op.
func (h *Hub) Subscribe(roomID string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]*Conn)
	}
	h.rooms[roomID][conn.ID()] = conn
	if _, ok := h.connRooms[conn.ID()]; !ok {
		h.connRooms[conn.ID()] = make(map[string]struct{})
	}
	h.connRooms[conn.ID()][roomID] = struct{}{}
}

// Unsubscribe removes connID from roomID.
func (h *Hub) Unsubscribe(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(roomID, connID)
}

func (h *Hub) unsubscribeLocked(roomID, connID string) {
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms, ok := h.connRooms[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.connRooms, connID)
		}
	}
}

// UnsubscribeAll drops connID from every room and returns the rooms it left.
func (h *Hub) UnsubscribeAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	left := make([]string, 0, len(h.connRooms[connID]))
	for roomID := range h.connRooms[connID] {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		h.unsubscribeLocked(roomID, connID)
	}
	return left
}

func (h *Hub) IsSubscribed(roomID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][connID]
	return ok
}

// Subscribers returns how many connections are in roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast queues env on every connection in roomID except exceptConnID
// and returns how many accepted it. A connection whose buffer is full is
// closed and dropped.
func (h *Hub) Broadcast(roomID string, env models.Envelope, exceptConnID string) int {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("failed to encode broadcast")
		return 0
	}

	stripe := &h.fanout[stripeFor(roomID)]
	stripe.Lock()
	defer stripe.Unlock()

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for id, conn := range h.rooms[roomID] {
		if id != exceptConnID {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if conn.enqueue(payload) {
			delivered++
			continue
		}
		if conn.closed() {
			continue
		}
		log.Warn().Str("conn_id", conn.ID()).Str("room_id", roomID).Msg("send buffer full, closing connection")
		conn.Close()
		h.Unsubscribe(roomID, conn.ID())
		h.publishWSError(roomID, conn, "send buffer full")
	}
	return delivered
}

func (h *Hub) publishWSError(roomID string, conn *Conn, reason string) {
	info := conn.Info()
	_ = observability.PublishEvent(context.Background(), wsRoutingKey, wsEventEnvelope("ws_error", roomID, info, reason), observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent("ws_error")
}

func stripeFor(roomID string) uint32 {
	f := fnv.New32a()
	_, _ = f.Write([]byte(roomID))
	return f.Sum32() % fanoutStripes
}

const wsRoutingKey = "ws_events.connections"

func wsEventEnvelope(event, roomID string, info ConnInfo, reason string) observability.EventEnvelope {
	return observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"room_id":     roomID,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}
}
