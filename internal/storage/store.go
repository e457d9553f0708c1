// Package storage provides the byte-level key/value backend each replica
// keeps its encoded student records in.
package storage

import (
	"bytes"
	"errors"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	// ErrKeyNotFound is returned when a roll number has no stored record
	ErrKeyNotFound = errors.New("key not found")
	// ErrEmptyKey is returned by Put when the key is empty
	ErrEmptyKey = errors.New("empty key")
)

// Store holds the encoded records of one replica. Implementations are safe
// for concurrent use and never alias the slices passed in or handed out.
type Store interface {
	// Get returns a copy of the bytes stored under key, or ErrKeyNotFound
	Get(key string) ([]byte, error)

	// Put replaces the bytes stored under key
	Put(key string, value []byte) error

	// Equal reports whether key currently holds exactly value
	Equal(key string, value []byte) bool

	// List returns every key in sorted order
	List() []string

	// Clear drops every record
	Clear()

	// Stats reports the record count and encoded size
	Stats() StoreStats
}

// StoreStats summarizes a store's contents.
type StoreStats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// MemoryStore is a map-backed Store. The byte total is kept up to date on
// every write, so Stats never walks the map.
type MemoryStore struct {
	records map[string][]byte
	size    int
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(value), nil
}

// Put stores a copy of value. A nil value is kept as an empty record.
func (m *MemoryStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	stored := append([]byte{}, value...)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.size += len(stored) - len(m.records[key])
	m.records[key] = stored
	return nil
}

// Equal compares without copying the stored bytes
func (m *MemoryStore) Equal(key string, value []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.records[key]
	return ok && bytes.Equal(stored, value)
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	keys := maps.Keys(m.records)
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

func (m *MemoryStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.records)
	m.size = 0
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{Keys: len(m.records), Bytes: m.size}
}
