package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
)

var (
	ErrInvalidPublicKey = errors.New("invalid X25519 public key")
	ErrInvalidRoomKey   = errors.New("invalid room key")
	ErrInvalidNonce     = errors.New("invalid nonce")
	ErrUnsealFailed     = errors.New("unseal failed: wrong key or tampered envelope")
	ErrDecryptFailed    = errors.New("decryption failed: wrong key or tampered ciphertext")
)

// Keypair is a long-term X25519 keypair used to open sealed room keys.
type Keypair struct {
	PublicKey  [KeySize]byte
	PrivateKey [KeySize]byte
}

// GenerateKeypair creates a fresh X25519 keypair.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{PublicKey: *pub, PrivateKey: *priv}, nil
}

// PublicKeyBase64 returns the public half in wire encoding.
func (k Keypair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey[:])
}

// ParsePublicKey decodes a base64 public key and checks its length.
func ParsePublicKey(b64 string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// NewRoomKey draws a fresh symmetric room key.
func NewRoomKey() (*[KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, err
	}
	return &key, nil
}

// Wipe zeroes key material in place.
func Wipe(key *[KeySize]byte) {
	if key == nil {
		return
	}
	for i := range key {
		key[i] = 0
	}
}

// SealRoomKey seals key to recipient in an anonymous box. Anyone holding the
// recipient's public key can seal; only the private key can open.
// The result is base64 encoded.
func SealRoomKey(key *[KeySize]byte, recipient *[KeySize]byte) (string, error) {
	if key == nil {
		return "", ErrInvalidRoomKey
	}
	if recipient == nil {
		return "", ErrInvalidPublicKey
	}
	sealed, err := box.SealAnonymous(nil, key[:], recipient, rand.Reader)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// UnsealRoomKey opens a sealed room key with the owner's keypair.
func UnsealRoomKey(sealedB64 string, kp Keypair) (*[KeySize]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrUnsealFailed)
	}
	opened, ok := box.OpenAnonymous(nil, sealed, &kp.PublicKey, &kp.PrivateKey)
	if !ok {
		return nil, ErrUnsealFailed
	}
	if len(opened) != KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidRoomKey, KeySize, len(opened))
	}
	var key [KeySize]byte
	copy(key[:], opened)
	return &key, nil
}

// Encrypt seals plaintext under the room key with a fresh random nonce.
// Returns base64 ciphertext and nonce.
func Encrypt(plaintext string, key *[KeySize]byte) (ciphertext, nonce string, err error) {
	if key == nil {
		return "", "", ErrInvalidRoomKey
	}
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return "", "", err
	}
	out := secretbox.Seal(nil, []byte(plaintext), &n, key)
	return base64.StdEncoding.EncodeToString(out), base64.StdEncoding.EncodeToString(n[:]), nil
}

// Decrypt opens a secretbox ciphertext. Failure is reported as
// ErrDecryptFailed and never panics.
func Decrypt(ciphertextB64, nonceB64 string, key *[KeySize]byte) (string, error) {
	if key == nil {
		return "", ErrInvalidRoomKey
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 ciphertext", ErrDecryptFailed)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(rawNonce) != NonceSize {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, ErrInvalidNonce)
	}
	var n [NonceSize]byte
	copy(n[:], rawNonce)
	pt, ok := secretbox.Open(nil, ct, &n, key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(pt), nil
}

// EncodeKey returns the base64 form of a symmetric key.
func EncodeKey(key *[KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey parses a base64 symmetric key.
func DecodeKey(b64 string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != KeySize {
		return nil, ErrInvalidRoomKey
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
