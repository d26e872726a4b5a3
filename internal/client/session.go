// Package client is the terminal-side end of a chat connection: one
// Session per credential, owning the websocket, the crypto agent and the
// typing state for that user.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"securechat/internal/agent"
	"securechat/internal/chat"
	"securechat/internal/models"
)

const (
	defaultKeyWait    = 5 * time.Second
	eventBufferSize   = 64
	keyRequestBackoff = 2 * time.Second
	writeWait         = 10 * time.Second
)

var ErrClosed = errors.New("client: session closed")

// Config describes one session. ServerURL is the service base URL
// (http or https); the websocket endpoint is derived from it.
type Config struct {
	ServerURL string
	Token     string
	Agent     *agent.Agent

	// Encrypt turns on end-to-end encryption of outgoing messages.
	Encrypt bool
	// KeyWait bounds how long Send waits for a room key.
	KeyWait time.Duration
	Dialer  *websocket.Dialer
}

// Message is a delivered message with its content opened for display.
// Readable is false when Text is a placeholder.
type Message struct {
	models.ReceiveMessagePayload
	Text     string
	Readable bool
}

// Event is one server event as seen by the session owner. Exactly one of
// the payload fields is set, matching Kind.
type Event struct {
	Kind    string
	RoomID  string
	Message *Message
	Typing  *models.UserTypingPayload
	Read    *models.ReadReceiptPayload
	Error   string
}

// Session is a live, authenticated connection. It is safe for concurrent
// use; Close tears it down.
type Session struct {
	cfg    Config
	conn   *websocket.Conn
	typing *TypingTracker

	writeMu sync.Mutex
	events  chan Event

	reqMu       sync.Mutex
	keyRequests map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects and authenticates with cfg.Token. The agent's keypair is
// created if it does not exist yet.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Agent == nil {
		return nil, errors.New("client: agent is required")
	}
	if cfg.KeyWait <= 0 {
		cfg.KeyWait = defaultKeyWait
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if _, err := cfg.Agent.EnsureKeypair(); err != nil {
		return nil, fmt.Errorf("ensure keypair: %w", err)
	}

	wsURL, err := websocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)
	conn, resp, err := cfg.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s := &Session{
		cfg:         cfg,
		conn:        conn,
		typing:      NewTypingTracker(),
		events:      make(chan Event, eventBufferSize),
		keyRequests: make(map[string]time.Time),
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Events delivers server events until the session ends, then is closed.
func (s *Session) Events() <-chan Event { return s.events }

// Typing returns the typing state observed on this session.
func (s *Session) Typing() *TypingTracker { return s.typing }

func (s *Session) Join(roomID string) error {
	return s.emit(models.EventJoinRoom, models.RoomRequest{RoomID: roomID})
}

func (s *Session) Leave(roomID string) error {
	return s.emit(models.EventLeaveRoom, models.RoomRequest{RoomID: roomID})
}

// RequestKey asks the server to redistribute the room key.
func (s *Session) RequestKey(roomID string) error {
	s.reqMu.Lock()
	s.keyRequests[roomID] = time.Now()
	s.reqMu.Unlock()
	return s.emit(models.EventRequestRoomKey, models.RoomRequest{RoomID: roomID})
}

// Send submits text to roomID. With encryption on, the text is sealed with
// the room key, waiting up to KeyWait for one to arrive. Assistant queries
// always go out in plaintext so the server can route them.
func (s *Session) Send(ctx context.Context, roomID, text string) error {
	payload := models.SendMessagePayload{RoomID: roomID, Content: text}
	if _, isQuery := chat.AssistantQueryText(text); s.cfg.Encrypt && !isQuery {
		if _, ok := s.cfg.Agent.RoomKey(roomID); !ok {
			if err := s.RequestKey(roomID); err != nil {
				return err
			}
		}
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.KeyWait)
		defer cancel()
		if _, err := s.cfg.Agent.WaitForKey(waitCtx, roomID); err != nil {
			return err
		}
		ct, nonce, err := s.cfg.Agent.Encrypt(roomID, text)
		if err != nil {
			return err
		}
		payload = models.SendMessagePayload{RoomID: roomID, Ciphertext: ct, Nonce: nonce, IsEncrypted: true}
	}
	return s.emit(models.EventSendMessage, payload)
}

// SetTyping announces that the user started or stopped typing.
func (s *Session) SetTyping(roomID, displayName string, isTyping bool) error {
	return s.emit(models.EventTyping, models.TypingPayload{RoomID: roomID, User: displayName, IsTyping: isTyping})
}

func (s *Session) MarkRead(roomID, messageID string) error {
	return s.emit(models.EventMarkRead, models.ReadReceiptPayload{MessageID: messageID, UserID: s.cfg.Agent.UserID(), RoomID: roomID})
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) emit(event string, data any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Debug().Err(err).Msg("session read ended")
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if ev, ok := s.handle(env); ok {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) handle(env models.Envelope) (Event, bool) {
	switch env.Event {
	case models.EventRoomKeyDistribution:
		var bundle models.RoomKeyBundle
		if err := json.Unmarshal(env.Data, &bundle); err != nil {
			return Event{}, false
		}
		if err := s.cfg.Agent.HandleDistribution(bundle); err != nil {
			if errors.Is(err, agent.ErrNotInBundle) {
				log.Debug().Str("room_id", bundle.RoomID).Msg("no key for us in bundle; publish a public key first")
			} else {
				log.Warn().Err(err).Str("room_id", bundle.RoomID).Msg("failed to open room key")
			}
			return Event{}, false
		}
		return Event{Kind: env.Event, RoomID: bundle.RoomID}, true

	case models.EventReceiveMessage:
		var p models.ReceiveMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, false
		}
		text, ok := s.cfg.Agent.Open(p)
		if !ok && text == agent.PlaceholderKeyUnavailable {
			s.requestKeyOnce(p.RoomID)
		}
		return Event{Kind: env.Event, RoomID: p.RoomID, Message: &Message{ReceiveMessagePayload: p, Text: text, Readable: ok}}, true

	case models.EventUserTyping:
		var p models.UserTypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, false
		}
		s.typing.Apply(p)
		return Event{Kind: env.Event, RoomID: p.RoomID, Typing: &p}, true

	case models.EventMessageRead:
		var p models.ReadReceiptPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: env.Event, RoomID: p.RoomID, Read: &p}, true

	case models.EventError:
		var p models.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		return Event{Kind: env.Event, Error: p.Message}, true
	}
	return Event{}, false
}

// requestKeyOnce asks for the room key unless a request went out recently,
// so a burst of unreadable messages produces one request.
func (s *Session) requestKeyOnce(roomID string) {
	s.reqMu.Lock()
	last, seen := s.keyRequests[roomID]
	if seen && time.Since(last) < keyRequestBackoff {
		s.reqMu.Unlock()
		return
	}
	s.reqMu.Unlock()
	if err := s.RequestKey(roomID); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("room key request failed")
	}
}
