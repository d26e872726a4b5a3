package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"securechat/internal/agent"
	"securechat/internal/auth"
	"securechat/internal/chat"
	"securechat/internal/keydist"
	"securechat/internal/keystore"
	"securechat/internal/mocks"
	"securechat/internal/models"
	"securechat/internal/repositories"
)

const testSecret = "gateway-test-secret"

type memMessages struct {
	mu    sync.Mutex
	byID  map[string]models.Message
	reads map[string]map[string]bool
}

func newMemMessages() *memMessages {
	return &memMessages{byID: map[string]models.Message{}, reads: map[string]map[string]bool{}}
}

func (m *memMessages) Create(_ context.Context, in models.NewMessage) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := models.Message{
		ID: ulid.Make().String(), RoomID: in.RoomID, SenderID: in.SenderID, SenderKind: in.SenderKind,
		Content: in.Content, Ciphertext: in.Ciphertext, Nonce: in.Nonce, IsEncrypted: in.IsEncrypted,
		CreatedAt: time.Now().UTC(),
	}
	m.byID[msg.ID] = msg
	return msg, nil
}

func (m *memMessages) GetMessage(_ context.Context, id string) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return msg, nil
}

func (m *memMessages) AddReader(_ context.Context, id, reader string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return false, repositories.ErrMessageNotFound
	}
	if m.reads[id] == nil {
		m.reads[id] = map[string]bool{}
	}
	if m.reads[id][reader] {
		return false, nil
	}
	m.reads[id][reader] = true
	return true, nil
}

func (m *memMessages) readers(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reads[id])
}

func (m *memMessages) ListRoomMessages(context.Context, string, int, string) ([]models.Message, error) {
	return nil, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }

type harness struct {
	server   *httptest.Server
	rooms    *mocks.RoomRepositoryMock
	users    *mocks.UserRepositoryMock
	messages *memMessages
	hub      *Hub
}

func newHarness(t *testing.T, mutate func(*GatewayConfig)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		rooms:    new(mocks.RoomRepositoryMock),
		users:    new(mocks.UserRepositoryMock),
		messages: newMemMessages(),
		hub:      NewHub(),
	}
	verifier := auth.NewJWTVerifier(testSecret)
	messages := h.messages
	h.users.On("GetUser", mock.Anything, mock.Anything).Return(nil, repositories.ErrUserNotFound).Maybe()

	cfg := GatewayConfig{
		Hub:               h.hub,
		Verifier:          verifier,
		Rooms:             h.rooms,
		Keys:              keydist.NewService(h.rooms, h.hub, true, nil),
		Messages:          chat.NewPipeline(verifier, messages, h.users, h.hub, nil, true),
		Typing:            chat.NewTyping(h.hub),
		Receipts:          chat.NewReceipts(messages, h.hub),
		RequireMembership: true,
		HandlerTimeout:    time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	router := gin.New()
	router.GET("/ws", NewGateway(cfg).Handle)
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := auth.IssueToken(testSecret, userID, time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := models.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// next reads frames until one with the wanted event arrives.
func next(t *testing.T, conn *websocket.Conn, event string) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func payload[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?token=garbage"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// Two members publish keys, join, receive the same bundle, and exchange an
// encrypted message that only they can read.
func TestEncryptedConversationBetweenTwoMembers(t *testing.T) {
	h := newHarness(t, nil)
	alice := agent.New("alice", keystore.NewMemory("alice"))
	bob := agent.New("bob", keystore.NewMemory("bob"))
	aliceKP, err := alice.EnsureKeypair()
	require.NoError(t, err)
	bobKP, err := bob.EnsureKeypair()
	require.NoError(t, err)

	h.rooms.On("IsMember", mock.Anything, "room-1", mock.Anything).Return(true, nil)
	h.rooms.On("MembersWithPublicKeys", mock.Anything, "room-1").Return([]models.MemberKey{
		{UserID: "alice", PublicKey: aliceKP.PublicKeyBase64()},
		{UserID: "bob", PublicKey: bobKP.PublicKeyBase64()},
	}, nil)

	a := h.dial(t, "alice")
	b := h.dial(t, "bob")

	send(t, a, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})
	next(t, a, models.EventRoomKeyDistribution)

	send(t, b, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})
	bundleB := payload[models.RoomKeyBundle](t, next(t, b, models.EventRoomKeyDistribution))
	bundleA := payload[models.RoomKeyBundle](t, next(t, a, models.EventRoomKeyDistribution))
	assert.Equal(t, bundleA, bundleB)
	assert.Len(t, bundleA.EncryptedKeys, 2)

	require.NoError(t, alice.HandleDistribution(bundleA))
	require.NoError(t, bob.HandleDistribution(bundleB))

	ct, nonce, err := alice.Encrypt("room-1", "hello bob")
	require.NoError(t, err)
	send(t, a, models.EventSendMessage, models.SendMessagePayload{RoomID: "room-1", Ciphertext: ct, Nonce: nonce, IsEncrypted: true})

	gotB := payload[models.ReceiveMessagePayload](t, next(t, b, models.EventReceiveMessage))
	gotA := payload[models.ReceiveMessagePayload](t, next(t, a, models.EventReceiveMessage))
	assert.Equal(t, gotA.ID, gotB.ID)
	assert.True(t, gotB.IsEncrypted)
	assert.Empty(t, gotB.Content)
	require.NotNil(t, gotB.Sender)
	assert.Equal(t, "alice", gotB.Sender.ID)

	text, ok := bob.Open(gotB)
	assert.True(t, ok)
	assert.Equal(t, "hello bob", text)

	// read receipts: first ack is broadcast to alice, the repeat is not
	send(t, b, models.EventMarkRead, models.ReadReceiptPayload{MessageID: gotB.ID, RoomID: "room-1"})
	send(t, b, models.EventMarkRead, models.ReadReceiptPayload{MessageID: gotB.ID, RoomID: "room-1"})
	send(t, b, models.EventTyping, models.TypingPayload{RoomID: "room-1", User: "Bob", IsTyping: true})

	read := payload[models.ReadReceiptPayload](t, next(t, a, models.EventMessageRead))
	assert.Equal(t, models.ReadReceiptPayload{MessageID: gotB.ID, UserID: "bob", RoomID: "room-1"}, read)

	// the next frame alice sees after the receipt is the typing relay, not
	// a second receipt
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(t, a.ReadJSON(&env))
	assert.Equal(t, models.EventUserTyping, env.Event)
}

// A member without a public key is left out of the bundle and still reads
// plaintext messages.
func TestMemberWithoutKeyReadsPlaintext(t *testing.T) {
	h := newHarness(t, nil)
	alice := agent.New("alice", keystore.NewMemory("alice"))
	aliceKP, err := alice.EnsureKeypair()
	require.NoError(t, err)
	bob := agent.New("bob", keystore.NewMemory("bob"))

	h.rooms.On("IsMember", mock.Anything, "room-1", mock.Anything).Return(true, nil)
	h.rooms.On("MembersWithPublicKeys", mock.Anything, "room-1").Return([]models.MemberKey{
		{UserID: "alice", PublicKey: aliceKP.PublicKeyBase64()},
	}, nil)

	a := h.dial(t, "alice")
	b := h.dial(t, "bob")

	send(t, a, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})
	next(t, a, models.EventRoomKeyDistribution)
	send(t, b, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})
	bundle := payload[models.RoomKeyBundle](t, next(t, b, models.EventRoomKeyDistribution))

	assert.Len(t, bundle.EncryptedKeys, 1)
	assert.Contains(t, bundle.EncryptedKeys, "alice")
	assert.NotContains(t, bundle.EncryptedKeys, "bob")
	assert.ErrorIs(t, bob.HandleDistribution(bundle), agent.ErrNotInBundle)

	send(t, a, models.EventSendMessage, models.SendMessagePayload{RoomID: "room-1", Content: "hello"})

	got := payload[models.ReceiveMessagePayload](t, next(t, b, models.EventReceiveMessage))
	assert.False(t, got.IsEncrypted)
	assert.Equal(t, "hello", got.Content)
	text, ok := bob.Open(got)
	assert.True(t, ok)
	assert.Equal(t, "hello", text)
}

func TestJoinRejectsNonMember(t *testing.T) {
	h := newHarness(t, nil)
	h.rooms.On("IsMember", mock.Anything, "room-1", "mallory").Return(false, nil)

	m := h.dial(t, "mallory")
	send(t, m, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})

	errEnv := payload[models.ErrorPayload](t, next(t, m, models.EventError))
	assert.Equal(t, "not a member of this room", errEnv.Message)
	assert.Equal(t, 0, h.hub.Subscribers("room-1"))
	h.rooms.AssertNotCalled(t, "MembersWithPublicKeys", mock.Anything, mock.Anything)

	send(t, m, models.EventSendMessage, models.SendMessagePayload{RoomID: "room-1", Content: "let me in"})
	errEnv = payload[models.ErrorPayload](t, next(t, m, models.EventError))
	assert.Equal(t, "join the room first", errEnv.Message)
}

func TestMarkReadRequiresSubscription(t *testing.T) {
	h := newHarness(t, nil)
	h.rooms.On("IsMember", mock.Anything, "room-1", "alice").Return(true, nil)
	h.rooms.On("IsMember", mock.Anything, "room-1", "mallory").Return(false, nil)
	h.rooms.On("MembersWithPublicKeys", mock.Anything, "room-1").Return([]models.MemberKey{}, nil)

	a := h.dial(t, "alice")
	send(t, a, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})
	next(t, a, models.EventRoomKeyDistribution)
	send(t, a, models.EventSendMessage, models.SendMessagePayload{RoomID: "room-1", Content: "hi"})
	msg := payload[models.ReceiveMessagePayload](t, next(t, a, models.EventReceiveMessage))

	m := h.dial(t, "mallory")
	send(t, m, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})
	next(t, m, models.EventError)

	send(t, m, models.EventMarkRead, models.ReadReceiptPayload{MessageID: msg.ID, RoomID: "room-1"})
	errEnv := payload[models.ErrorPayload](t, next(t, m, models.EventError))
	assert.Equal(t, "join the room first", errEnv.Message)

	send(t, m, models.EventMarkRead, models.ReadReceiptPayload{MessageID: msg.ID})
	errEnv = payload[models.ErrorPayload](t, next(t, m, models.EventError))
	assert.Equal(t, "roomId is required", errEnv.Message)

	assert.Equal(t, 0, h.messages.readers(msg.ID))

	// alice must not see a receipt from outside the room
	require.NoError(t, a.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var env models.Envelope
	assert.Error(t, a.ReadJSON(&env))
}

func TestUnknownRoomDistributionIsSilent(t *testing.T) {
	h := newHarness(t, func(cfg *GatewayConfig) { cfg.RequireMembership = false })
	h.rooms.On("MembersWithPublicKeys", mock.Anything, "ghost").Return(nil, repositories.ErrRoomNotFound)

	c := h.dial(t, "alice")
	send(t, c, models.EventJoinRoom, models.RoomRequest{RoomID: "ghost"})
	send(t, c, "no-such-event", models.RoomRequest{RoomID: "ghost"})

	// the first frame back is the unknown-event error, so the join produced nothing
	errEnv := payload[models.ErrorPayload](t, next(t, c, models.EventError))
	assert.Equal(t, "unknown event: no-such-event", errEnv.Message)
}

func TestRateLimitedEventsGetErrorEvent(t *testing.T) {
	h := newHarness(t, func(cfg *GatewayConfig) { cfg.Limiter = denyAll{} })

	c := h.dial(t, "alice")
	send(t, c, models.EventJoinRoom, models.RoomRequest{RoomID: "room-1"})

	errEnv := payload[models.ErrorPayload](t, next(t, c, models.EventError))
	assert.Equal(t, "rate limit exceeded", errEnv.Message)
	h.rooms.AssertNotCalled(t, "IsMember", mock.Anything, mock.Anything, mock.Anything)
}

func TestDisconnectUnsubscribesFromAllRooms(t *testing.T) {
	h := newHarness(t, nil)
	h.rooms.On("IsMember", mock.Anything, mock.Anything, "alice").Return(true, nil)
	h.rooms.On("MembersWithPublicKeys", mock.Anything, mock.Anything).Return([]models.MemberKey{}, nil)

	c := h.dial(t, "alice")
	send(t, c, models.EventJoinRoom, models.RoomRequest{RoomID: "r1"})
	next(t, c, models.EventRoomKeyDistribution)
	send(t, c, models.EventJoinRoom, models.RoomRequest{RoomID: "r2"})
	next(t, c, models.EventRoomKeyDistribution)
	require.Equal(t, 1, h.hub.Subscribers("r1"))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return h.hub.Subscribers("r1") == 0 && h.hub.Subscribers("r2") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
