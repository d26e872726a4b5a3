package client

import (
	"sort"
	"sync"

	"securechat/internal/models"
)

// TypingTracker keeps who is typing in each room. The latest event for a
// (room, user) pair wins.
type TypingTracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]string
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{rooms: make(map[string]map[string]string)}
}

// Apply records one user-typing event.
func (t *TypingTracker) Apply(p models.UserTypingPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.rooms[p.RoomID]
	if !p.IsTyping {
		delete(users, p.UserID)
		if len(users) == 0 {
			delete(t.rooms, p.RoomID)
		}
		return
	}
	if users == nil {
		users = make(map[string]string)
		t.rooms[p.RoomID] = users
	}
	name := p.User
	if name == "" {
		name = p.UserID
	}
	users[p.UserID] = name
}

// Typing returns the display names currently typing in roomID, sorted.
func (t *TypingTracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.rooms[roomID]))
	for _, name := range t.rooms[roomID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
