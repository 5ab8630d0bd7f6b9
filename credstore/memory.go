package credstore

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in a map. Contents are lost on exit.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (s *MemoryStore) Create(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.creds[cred.Email]; taken {
		return ErrExists
	}
	s.creds[cred.Email] = cred
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, email string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[email]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// Len returns the number of stored credentials.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
