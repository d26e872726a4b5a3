package models

import "time"

// SenderKind distinguishes user-authored messages from assistant replies.
type SenderKind string

const (
	SenderUser      SenderKind = "user"
	SenderAssistant SenderKind = "assistant"
)

// Message is a persisted room message. When IsEncrypted is set, Ciphertext
// and Nonce are authoritative and Content is empty.
type Message struct {
	ID          string     `db:"id" json:"id"`
	RoomID      string     `db:"room_id" json:"roomId"`
	SenderID    *string    `db:"sender_id" json:"senderId,omitempty"`
	SenderKind  SenderKind `db:"sender_kind" json:"senderKind"`
	Content     string     `db:"content" json:"content,omitempty"`
	Ciphertext  string     `db:"ciphertext" json:"ciphertext,omitempty"`
	Nonce       string     `db:"nonce" json:"nonce,omitempty"`
	IsEncrypted bool       `db:"is_encrypted" json:"isEncrypted"`
	CreatedAt   time.Time  `db:"created_at" json:"timestamp"`
	ReadBy      []string   `db:"-" json:"readBy,omitempty"`
}

// NewMessage carries the fields a caller supplies when persisting a message.
type NewMessage struct {
	RoomID      string
	SenderID    *string
	SenderKind  SenderKind
	Content     string
	Ciphertext  string
	Nonce       string
	IsEncrypted bool
}
