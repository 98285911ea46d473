package storage

import (
	"fmt"
	"sync"

	"github.com/bastionmp/bastion/pkg/types"
)

// MemStore is an in-memory Store for tests and ephemeral deployments.
type MemStore struct {
	mu       sync.RWMutex
	accounts map[string]types.Account
	profiles map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[string]types.Account),
		profiles: make(map[string][]byte),
	}
}

func (s *MemStore) CreateAccount(account *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.Username]; exists {
		return fmt.Errorf("account %q: %w", account.Username, ErrExists)
	}
	s.accounts[account.Username] = *account
	return nil
}

func (s *MemStore) GetAccount(username string) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[username]
	if !ok {
		return nil, fmt.Errorf("account %q: %w", username, ErrNotFound)
	}
	return &account, nil
}

func (s *MemStore) SaveProfile(username string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.profiles[username] = buf
	return nil
}

func (s *MemStore) LoadProfile(username string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.profiles[username]
	if !ok {
		return nil, fmt.Errorf("profile %q: %w", username, ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemStore) Close() error {
	return nil
}
