// Package chat handles the room events that arrive on a connection:
// message submission with assistant routing, typing relays and read
// receipts.
package chat

import (
	"errors"

	"securechat/internal/models"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Sender is the connection an event arrived on.
type Sender interface {
	ID() string
	UserID() string
	Token() string
	SendError(message string)
}

// Broadcaster fans an envelope out to the connections subscribed to a room,
// skipping exceptConnID when it is set.
type Broadcaster interface {
	Broadcast(roomID string, env models.Envelope, exceptConnID string) int
}
