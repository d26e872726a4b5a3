package models

// User is the identity record owned by the auth collaborator. PublicKey is
// the base64 X25519 key and stays nil until the client publishes one.
type User struct {
	ID          string  `db:"id" json:"id"`
	DisplayName string  `db:"display_name" json:"displayName"`
	PublicKey   *string `db:"public_key" json:"publicKey,omitempty"`
}
