package accounts

import (
	"context"
	"fmt"
	"sync"
)

// StaticKey is a key declared in configuration.
type StaticKey struct {
	Key       string
	ID        string
	AccountID string
	Tier      Tier
	Status    Status
}

// StaticStore serves keys from memory. Used when no database is configured
// and in tests.
type StaticStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

func NewStaticStore(keys []StaticKey) (*StaticStore, error) {
	s := &StaticStore{keys: make(map[string]*APIKey, len(keys))}
	for _, k := range keys {
		if err := s.Put(k); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a key.
func (s *StaticStore) Put(k StaticKey) error {
	if k.Key == "" {
		return fmt.Errorf("accounts: static key %q has empty key", k.ID)
	}
	if _, err := ParseTier(string(k.Tier)); err != nil {
		return err
	}
	status := k.Status
	if status == "" {
		status = StatusActive
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	id := k.ID
	if id == "" {
		id = HashKey(k.Key)[:16]
	}

	s.mu.Lock()
	s.keys[HashKey(k.Key)] = &APIKey{ID: id, AccountID: k.AccountID, Tier: k.Tier, Status: status}
	s.mu.Unlock()
	return nil
}

func (s *StaticStore) Lookup(ctx context.Context, keyHash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[keyHash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *StaticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
