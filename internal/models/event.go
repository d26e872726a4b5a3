package models

import (
	"encoding/json"
	"time"
)

// Event names carried on the websocket connection.
const (
	EventJoinRoom            = "join-room"
	EventLeaveRoom           = "leave-room"
	EventRequestRoomKey      = "request-room-key"
	EventRoomKeyDistribution = "room-key-distribution"
	EventSendMessage         = "send-message"
	EventReceiveMessage      = "receive-message"
	EventTyping              = "typing"
	EventUserTyping          = "user-typing"
	EventMarkRead            = "mark-read"
	EventMessageRead         = "message-read"
	EventError               = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// RoomRequest is the payload of join-room, leave-room and request-room-key.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// SendMessagePayload is either plaintext content or a ciphertext/nonce pair.
type SendMessagePayload struct {
	RoomID      string `json:"roomId"`
	Content     string `json:"content,omitempty"`
	Ciphertext  string `json:"ciphertext,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	IsEncrypted bool   `json:"isEncrypted,omitempty"`
	Token       string `json:"token,omitempty"`
}

// SenderInfo is the display metadata attached to a delivered message.
type SenderInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ReceiveMessagePayload is the fan-out form of a persisted message.
type ReceiveMessagePayload struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"roomId"`
	Sender      *SenderInfo `json:"sender"`
	SenderKind  SenderKind  `json:"senderKind"`
	Content     string      `json:"content,omitempty"`
	Ciphertext  string      `json:"ciphertext,omitempty"`
	Nonce       string      `json:"nonce,omitempty"`
	IsEncrypted bool        `json:"isEncrypted"`
	Timestamp   time.Time   `json:"timestamp"`
}

// TypingPayload is sent by a client that starts or stops typing.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	User     string `json:"user"`
	IsTyping bool   `json:"isTyping"`
}

// UserTypingPayload is relayed to the other connections of a room.
type UserTypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	User     string `json:"user"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptPayload is used for both mark-read and message-read.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
}

// ErrorPayload reports a non-fatal, operation-level failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ReceivePayloadFromMessage builds the delivered form of msg.
func ReceivePayloadFromMessage(msg Message, sender *SenderInfo) ReceiveMessagePayload {
	return ReceiveMessagePayload{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		Sender:      sender,
		SenderKind:  msg.SenderKind,
		Content:     msg.Content,
		Ciphertext:  msg.Ciphertext,
		Nonce:       msg.Nonce,
		IsEncrypted: msg.IsEncrypted,
		Timestamp:   msg.CreatedAt,
	}
}
