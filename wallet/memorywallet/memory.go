// Package memorywallet provides an in-process wallet.Store suitable for
// tests and single-process deployments.
package memorywallet

import (
	"context"
	"sync"

	"github.com/teaspoon-world/tmcp-go/wallet"
)

// Store implements wallet.Store with two in-memory indexes.
type Store struct {
	mu      sync.RWMutex
	byAlias map[string]*wallet.Identity
	byDID   map[string]*wallet.Identity
}

var _ wallet.Store = (*Store)(nil)

// New creates an empty in-memory wallet.
func New() *Store {
	return &Store{
		byAlias: make(map[string]*wallet.Identity),
		byDID:   make(map[string]*wallet.Identity),
	}
}

func (s *Store) ResolveAlias(ctx context.Context, alias string) (*wallet.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlias[alias]
	if !ok {
		return nil, wallet.ErrAliasNotFound
	}
	cp := *id
	return &cp, nil
}

func (s *Store) Get(ctx context.Context, did string) (*wallet.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDID[did]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (s *Store) Put(ctx context.Context, id *wallet.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *id
	if prior, ok := s.byAlias[cp.Alias]; ok {
		delete(s.byDID, prior.DID)
	}
	s.byAlias[cp.Alias] = &cp
	s.byDID[cp.DID] = &cp
	return nil
}

func (s *Store) Close() error { return nil }
