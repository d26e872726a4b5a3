package chat

import (
	"context"
	"fmt"

	"securechat/internal/models"
)

// Typing relays typing indicators. Nothing is stored or acknowledged.
type Typing struct {
	hub Broadcaster
}

func NewTyping(hub Broadcaster) *Typing {
	return &Typing{hub: hub}
}

// NotifyTyping sends user-typing to every other connection in the room.
// The user id comes from the connection, the display name from the payload.
func (t *Typing) NotifyTyping(_ context.Context, sender Sender, payload models.TypingPayload) error {
	if payload.RoomID == "" {
		return fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
	}
	env, err := models.NewEnvelope(models.EventUserTyping, models.UserTypingPayload{
		RoomID:   payload.RoomID,
		UserID:   sender.UserID(),
		User:     payload.User,
		IsTyping: payload.IsTyping,
	})
	if err != nil {
		return err
	}
	t.hub.Broadcast(payload.RoomID, env, sender.ID())
	return nil
}
