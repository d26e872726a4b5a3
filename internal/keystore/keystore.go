// Package keystore holds client-side secrets behind a small get/set/clear
// capability. Each store is bound to one namespace, so two identities on
// the same machine never see each other's keys.
package keystore

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("keystore: entry not found")

// Keystore is the capability handed to the crypto agent.
type Keystore interface {
	Get(name string) ([]byte, error)
	Set(name string, value []byte) error
	Clear() error
}

// MemoryKeystore keeps entries for the life of the process.
type MemoryKeystore struct {
	namespace string
	mu        sync.RWMutex
	entries   map[string][]byte
}

// NewMemory creates an empty in-memory keystore.
func NewMemory(namespace string) *MemoryKeystore {
	return &MemoryKeystore{namespace: namespace, entries: make(map[string][]byte)}
}

// Namespace reports the isolation boundary of the store.
func (m *MemoryKeystore) Namespace() string { return m.namespace }

func (m *MemoryKeystore) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKeystore) Set(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKeystore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]byte)
	return nil
}

var _ Keystore = (*MemoryKeystore)(nil)
