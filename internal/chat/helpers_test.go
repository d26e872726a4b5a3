package chat

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"securechat/internal/models"
)

type fakeSender struct {
	id, userID, token string

	mu     sync.Mutex
	errors []string
}

func newSender(id, userID, token string) *fakeSender {
	return &fakeSender{id: id, userID: userID, token: token}
}

func (s *fakeSender) ID() string     { return s.id }
func (s *fakeSender) UserID() string { return s.userID }
func (s *fakeSender) Token() string  { return s.token }

func (s *fakeSender) SendError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
}

func (s *fakeSender) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

type broadcast struct {
	roomID string
	env    models.Envelope
	except string
}

type fakeHub struct {
	mu   sync.Mutex
	sent []broadcast
}

func (h *fakeHub) Broadcast(roomID string, env models.Envelope, except string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, broadcast{roomID: roomID, env: env, except: except})
	return 1
}

func (h *fakeHub) Sent() []broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]broadcast(nil), h.sent...)
}

func decode[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}
