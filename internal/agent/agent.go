// Package agent is the client-resident crypto agent: it owns the long-term
// keypair, unseals distributed room keys and encrypts/decrypts message
// bodies with the cached room key.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/models"
)

const (
	PlaceholderKeyUnavailable = "[Encrypted message - key not available]"
	PlaceholderDecryptFailed  = "[Failed to decrypt]"

	keypairEntry  = "identity-keypair"
	roomKeyPrefix = "room-key/"
)

var (
	ErrNoRoomKey   = errors.New("no room key cached")
	ErrNotInBundle = errors.New("bundle holds no key for this member")
)

type storedKeypair struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// Agent is safe for concurrent use.
type Agent struct {
	userID string
	store  keystore.Keystore

	kpMu    sync.Mutex
	keypair *crypto.Keypair

	mu      sync.Mutex
	keys    map[string]*[crypto.KeySize]byte
	waiters map[string][]chan struct{}
}

// New creates an agent for userID backed by store.
func New(userID string, store keystore.Keystore) *Agent {
	return &Agent{
		userID:  userID,
		store:   store,
		keys:    make(map[string]*[crypto.KeySize]byte),
		waiters: make(map[string][]chan struct{}),
	}
}

// UserID is the identity whose bundle entries this agent opens.
func (a *Agent) UserID() string { return a.userID }

// EnsureKeypair returns the persisted keypair, generating and storing it on
// first use. Concurrent first calls all observe the same keypair.
func (a *Agent) EnsureKeypair() (crypto.Keypair, error) {
	a.kpMu.Lock()
	defer a.kpMu.Unlock()

	if a.keypair != nil {
		return *a.keypair, nil
	}

	raw, err := a.store.Get(keypairEntry)
	switch {
	case err == nil:
		var sk storedKeypair
		if err := json.Unmarshal(raw, &sk); err != nil {
			return crypto.Keypair{}, fmt.Errorf("decode stored keypair: %w", err)
		}
		if len(sk.PublicKey) != crypto.KeySize || len(sk.PrivateKey) != crypto.KeySize {
			return crypto.Keypair{}, errors.New("stored keypair has invalid length")
		}
		var kp crypto.Keypair
		copy(kp.PublicKey[:], sk.PublicKey)
		copy(kp.PrivateKey[:], sk.PrivateKey)
		a.keypair = &kp
		return kp, nil
	case !errors.Is(err, keystore.ErrNotFound):
		return crypto.Keypair{}, fmt.Errorf("load keypair: %w", err)
	}

	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return crypto.Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	encoded, err := json.Marshal(storedKeypair{PublicKey: kp.PublicKey[:], PrivateKey: kp.PrivateKey[:]})
	if err != nil {
		return crypto.Keypair{}, err
	}
	if err := a.store.Set(keypairEntry, encoded); err != nil {
		return crypto.Keypair{}, fmt.Errorf("store keypair: %w", err)
	}
	a.keypair = &kp
	log.Debug().Str("user_id", a.userID).Msg("generated identity keypair")
	return kp, nil
}

// HandleDistribution opens this member's entry of a room-key bundle and
// caches the key, waking anyone blocked in WaitForKey.
func (a *Agent) HandleDistribution(bundle models.RoomKeyBundle) error {
	sealed, ok := bundle.EncryptedKeys[a.userID]
	if !ok {
		return ErrNotInBundle
	}
	kp, err := a.EnsureKeypair()
	if err != nil {
		return err
	}
	key, err := crypto.UnsealRoomKey(sealed, kp)
	if err != nil {
		return err
	}
	return a.SetRoomKey(bundle.RoomID, key)
}

// SetRoomKey caches key for roomID, replacing any previous key.
func (a *Agent) SetRoomKey(roomID string, key *[crypto.KeySize]byte) error {
	if err := a.store.Set(roomKeyPrefix+roomID, key[:]); err != nil {
		return fmt.Errorf("store room key: %w", err)
	}

	a.mu.Lock()
	a.keys[roomID] = key
	waiters := a.waiters[roomID]
	delete(a.waiters, roomID)
	a.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	return nil
}

// RoomKey returns the cached key for roomID, consulting the keystore on a
// memory miss.
func (a *Agent) RoomKey(roomID string) (*[crypto.KeySize]byte, bool) {
	a.mu.Lock()
	key, ok := a.keys[roomID]
	a.mu.Unlock()
	if ok {
		return key, true
	}

	raw, err := a.store.Get(roomKeyPrefix + roomID)
	if err != nil || len(raw) != crypto.KeySize {
		return nil, false
	}
	var k [crypto.KeySize]byte
	copy(k[:], raw)

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.keys[roomID]; ok {
		return existing, true
	}
	a.keys[roomID] = &k
	return &k, true
}

// WaitForKey blocks until a key for roomID is available or ctx is done.
func (a *Agent) WaitForKey(ctx context.Context, roomID string) (*[crypto.KeySize]byte, error) {
	if key, ok := a.RoomKey(roomID); ok {
		return key, nil
	}

	a.mu.Lock()
	if key, ok := a.keys[roomID]; ok {
		a.mu.Unlock()
		return key, nil
	}
	ch := make(chan struct{})
	a.waiters[roomID] = append(a.waiters[roomID], ch)
	a.mu.Unlock()

	select {
	case <-ch:
		key, _ := a.RoomKey(roomID)
		return key, nil
	case <-ctx.Done():
		a.dropWaiter(roomID, ch)
		return nil, fmt.Errorf("%w: %v", ErrNoRoomKey, ctx.Err())
	}
}

func (a *Agent) dropWaiter(roomID string, ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.waiters[roomID]
	for i, c := range list {
		if c == ch {
			a.waiters[roomID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(a.waiters[roomID]) == 0 {
		delete(a.waiters, roomID)
	}
}

// Encrypt encrypts plaintext with the cached key of roomID.
func (a *Agent) Encrypt(roomID, plaintext string) (ciphertext, nonce string, err error) {
	key, ok := a.RoomKey(roomID)
	if !ok {
		return "", "", ErrNoRoomKey
	}
	return crypto.Encrypt(plaintext, key)
}

// Decrypt decrypts with the cached key of roomID.
func (a *Agent) Decrypt(roomID, ciphertext, nonce string) (string, error) {
	key, ok := a.RoomKey(roomID)
	if !ok {
		return "", ErrNoRoomKey
	}
	return crypto.Decrypt(ciphertext, nonce, key)
}

// Open returns the displayable content of a delivered message. ok is false
// when a placeholder was substituted.
func (a *Agent) Open(msg models.ReceiveMessagePayload) (string, bool) {
	if !msg.IsEncrypted {
		return msg.Content, true
	}
	pt, err := a.Decrypt(msg.RoomID, msg.Ciphertext, msg.Nonce)
	switch {
	case err == nil:
		return pt, true
	case errors.Is(err, ErrNoRoomKey):
		log.Warn().Str("room_id", msg.RoomID).Str("message_id", msg.ID).Msg("no room key available for decryption")
		return PlaceholderKeyUnavailable, false
	default:
		log.Warn().Err(err).Str("room_id", msg.RoomID).Str("message_id", msg.ID).Msg("failed to decrypt message")
		return PlaceholderDecryptFailed, false
	}
}
