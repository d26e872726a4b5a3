package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/models"
)

func TestEnsureKeypairIsIdempotent(t *testing.T) {
	store := keystore.NewMemory("alice")
	a := New("alice", store)

	first, err := a.EnsureKeypair()
	require.NoError(t, err)
	second, err := a.EnsureKeypair()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// a fresh agent on the same store must load, not regenerate
	reloaded, err := New("alice", store).EnsureKeypair()
	require.NoError(t, err)
	assert.Equal(t, first, reloaded)
}

func TestEnsureKeypairConcurrentFirstUse(t *testing.T) {
	a := New("alice", keystore.NewMemory("alice"))

	const n = 16
	results := make([]crypto.Keypair, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := a.EnsureKeypair()
			assert.NoError(t, err)
			results[i] = kp
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func sealedBundle(t *testing.T, roomID string, key *[crypto.KeySize]byte, members map[string]crypto.Keypair) models.RoomKeyBundle {
	t.Helper()
	bundle := models.RoomKeyBundle{RoomID: roomID, EncryptedKeys: map[string]string{}}
	for id, kp := range members {
		pub := kp.PublicKey
		sealed, err := crypto.SealRoomKey(key, &pub)
		require.NoError(t, err)
		bundle.EncryptedKeys[id] = sealed
	}
	return bundle
}

func TestHandleDistributionCachesKey(t *testing.T) {
	alice := New("alice", keystore.NewMemory("alice"))
	kp, err := alice.EnsureKeypair()
	require.NoError(t, err)

	key, err := crypto.NewRoomKey()
	require.NoError(t, err)
	require.NoError(t, alice.HandleDistribution(sealedBundle(t, "r1", key, map[string]crypto.Keypair{"alice": kp})))

	cached, ok := alice.RoomKey("r1")
	require.True(t, ok)
	assert.Equal(t, *key, *cached)

	ct, nonce, err := alice.Encrypt("r1", "hello")
	require.NoError(t, err)
	pt, err := alice.Decrypt("r1", ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, "hello", pt)
}

func TestHandleDistributionWithoutEntry(t *testing.T) {
	alice := New("alice", keystore.NewMemory("alice"))
	bob := New("bob", keystore.NewMemory("bob"))
	bobKP, err := bob.EnsureKeypair()
	require.NoError(t, err)

	key, _ := crypto.NewRoomKey()
	err = alice.HandleDistribution(sealedBundle(t, "r1", key, map[string]crypto.Keypair{"bob": bobKP}))
	assert.ErrorIs(t, err, ErrNotInBundle)
	_, ok := alice.RoomKey("r1")
	assert.False(t, ok)
}

func TestHandleDistributionEntrySealedForOtherKey(t *testing.T) {
	alice := New("alice", keystore.NewMemory("alice"))
	_, err := alice.EnsureKeypair()
	require.NoError(t, err)
	stranger, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	key, _ := crypto.NewRoomKey()
	err = alice.HandleDistribution(sealedBundle(t, "r1", key, map[string]crypto.Keypair{"alice": stranger}))
	assert.ErrorIs(t, err, crypto.ErrUnsealFailed)
}

func TestRoomKeySurvivesRestartThroughKeystore(t *testing.T) {
	store := keystore.NewMemory("alice")
	key, _ := crypto.NewRoomKey()
	require.NoError(t, New("alice", store).SetRoomKey("r1", key))

	cached, ok := New("alice", store).RoomKey("r1")
	require.True(t, ok)
	assert.Equal(t, *key, *cached)
}

func TestWaitForKeyWakesOnDistribution(t *testing.T) {
	a := New("alice", keystore.NewMemory("alice"))
	key, _ := crypto.NewRoomKey()

	done := make(chan *[crypto.KeySize]byte, 1)
	go func() {
		k, err := a.WaitForKey(context.Background(), "r1")
		assert.NoError(t, err)
		done <- k
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.SetRoomKey("r1", key))

	select {
	case got := <-done:
		assert.Equal(t, *key, *got)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForKeyTimesOut(t *testing.T) {
	a := New("alice", keystore.NewMemory("alice"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.WaitForKey(ctx, "r1")
	assert.ErrorIs(t, err, ErrNoRoomKey)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.waiters)
}

func TestOpenSubstitutesPlaceholders(t *testing.T) {
	a := New("alice", keystore.NewMemory("alice"))

	plain := models.ReceiveMessagePayload{RoomID: "r1", Content: "hi"}
	text, ok := a.Open(plain)
	assert.True(t, ok)
	assert.Equal(t, "hi", text)

	other, _ := crypto.NewRoomKey()
	ct, nonce, _ := crypto.Encrypt("secret", other)
	enc := models.ReceiveMessagePayload{RoomID: "r1", Ciphertext: ct, Nonce: nonce, IsEncrypted: true}

	text, ok = a.Open(enc)
	assert.False(t, ok)
	assert.Equal(t, PlaceholderKeyUnavailable, text)

	wrong, _ := crypto.NewRoomKey()
	require.NoError(t, a.SetRoomKey("r1", wrong))
	text, ok = a.Open(enc)
	assert.False(t, ok)
	assert.Equal(t, PlaceholderDecryptFailed, text)

	require.NoError(t, a.SetRoomKey("r1", other))
	text, ok = a.Open(enc)
	assert.True(t, ok)
	assert.Equal(t, "secret", text)
}
