package models

import "time"

// Room represents a chat room.
type Room struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// MemberKey is a room member together with the public key on file.
type MemberKey struct {
	UserID      string `db:"user_id" json:"userId"`
	DisplayName string `db:"display_name" json:"displayName"`
	PublicKey   string `db:"public_key" json:"publicKey"`
}

// RoomKeyBundle maps member ids to the room key sealed for that member.
type RoomKeyBundle struct {
	RoomID        string            `json:"roomId"`
	EncryptedKeys map[string]string `json:"encryptedKeys"`
}
