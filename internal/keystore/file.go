package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

var ErrWrongPassphrase = errors.New("keystore: wrong passphrase or corrupted file")

const (
	kdfIterations = 2
	kdfMemoryKiB  = 64 * 1024
	kdfParallel   = 1
)

type encryptedFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"`
	MemoryKiB  uint32 `json:"memory_kib"`
	Iterations uint32 `json:"iterations"`
	Parallel   uint8  `json:"parallel"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// FileKeystore persists entries in one passphrase-protected file per
// namespace. The whole map is resealed on every write.
type FileKeystore struct {
	path       string
	passphrase string
	mu         sync.Mutex
	entries    map[string][]byte
}

// OpenFile loads (or lazily creates) the keystore for namespace under dir.
func OpenFile(dir, namespace, passphrase string) (*FileKeystore, error) {
	if namespace == "" || strings.ContainsAny(namespace, `/\`) {
		return nil, fmt.Errorf("keystore: invalid namespace %q", namespace)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := &FileKeystore{
		path:       filepath.Join(dir, namespace+".keystore.json"),
		passphrase: passphrase,
		entries:    make(map[string][]byte),
	}
	if err := ks.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return ks, nil
}

func (f *FileKeystore) Get(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *FileKeystore) Set(name string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[name] = append([]byte(nil), value...)
	return f.save()
}

func (f *FileKeystore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string][]byte)
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func deriveKey(passphrase string, salt []byte, iter, mem uint32, par uint8) *[32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, iter, mem, par, 32))
	return &key
}

func (f *FileKeystore) save() error {
	payload, err := json.Marshal(f.entries)
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	key := deriveKey(f.passphrase, salt, kdfIterations, kdfMemoryKiB, kdfParallel)
	ct := secretbox.Seal(nil, payload, &nonce, key)

	file := encryptedFile{
		Version:    1,
		KDF:        "argon2id",
		Salt:       base64.RawStdEncoding.EncodeToString(salt),
		MemoryKiB:  kdfMemoryKiB,
		Iterations: kdfIterations,
		Parallel:   kdfParallel,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ct),
	}
	b, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileKeystore) load() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	var file encryptedFile
	if err := json.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("keystore: decode file: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(file.Salt)
	if err != nil {
		return ErrWrongPassphrase
	}
	rawNonce, err := base64.RawStdEncoding.DecodeString(file.Nonce)
	if err != nil || len(rawNonce) != 24 {
		return ErrWrongPassphrase
	}
	ct, err := base64.RawStdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return ErrWrongPassphrase
	}
	var nonce [24]byte
	copy(nonce[:], rawNonce)
	key := deriveKey(f.passphrase, salt, file.Iterations, file.MemoryKiB, file.Parallel)
	payload, ok := secretbox.Open(nil, ct, &nonce, key)
	if !ok {
		return ErrWrongPassphrase
	}
	entries := make(map[string][]byte)
	if err := json.Unmarshal(payload, &entries); err != nil {
		return fmt.Errorf("keystore: decode entries: %w", err)
	}
	f.entries = entries
	return nil
}

var _ Keystore = (*FileKeystore)(nil)
