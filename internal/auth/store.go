package auth

import "sync"

// Storage keys for persisted credential material.
const (
	KeyAgentAddress = "agent_address"
	KeyExpiresAt    = "agent_expires_at"
	KeyApproved     = "agent_approved"
	KeyBearerToken  = "bearer_token"
)

// Store is the secure storage collaborator: an opaque key-value store with no
// concurrency guarantees assumed beyond read-after-write. Platform code
// supplies keychain-backed implementations.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Clear(keys ...string)
}

// MemoryStore is a mutex-guarded in-memory Store used by the runtime default
// and by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := new(MemoryStore)
	s.values = make(map[string]string)
	return s
}

// Get returns the value for key.
func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores the value for key.
func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Clear removes the named keys.
func (s *MemoryStore) Clear(keys ...string) {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.values, key)
	}
	s.mu.Unlock()
}
