package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"securechat/internal/auth"
	"securechat/internal/models"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 << 10
)

// Conn is one authenticated websocket connection. Writes go through the
// buffered send channel and are flushed by writePump.
type Conn struct {
	id       string
	identity auth.Identity
	token    string
	info     ConnInfo

	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, identity auth.Identity, token string, info ConnInfo) *Conn {
	if info.ConnID == "" {
		info.ConnID = uuid.NewString()
	}
	info.UserID = identity.UserID
	return &Conn{
		id:       info.ConnID,
		identity: identity,
		token:    token,
		info:     info,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.identity.UserID }

// Token is the credential presented at handshake.
func (c *Conn) Token() string { return c.token }

func (c *Conn) Info() ConnInfo { return c.info }

// Send queues env for delivery. It reports false when the connection is
// closed or its buffer is full.
func (c *Conn) Send(env models.Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("failed to encode websocket frame")
		return false
	}
	return c.enqueue(b)
}

func (c *Conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// SendError reports an operation-level failure to this connection only.
func (c *Conn) SendError(message string) {
	env, err := models.NewEnvelope(models.EventError, models.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.Send(env)
}

// Close stops the write pump, which closes the socket. The send channel is
// never closed so concurrent broadcasts stay safe.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
