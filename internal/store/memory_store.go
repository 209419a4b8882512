package store

import (
	"context"
	"math/rand"
	"sync"

	"github.com/r33drichards/ip-allocator-webserver/internal/pool"
)

// MemoryStore is an in-process Store used by engine and api tests,
// playing the same role the teacher's stub service interfaces
// (stubIdentity, stubBookkeeper, ...) play for api/server_test.go: a
// minimal fake that enforces the real invariants without touching Redis.
type MemoryStore struct {
	mu       sync.Mutex
	free     map[string]struct{}
	borrowed map[string]string
	owners   map[string]string
}

// NewMemory builds an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		free:     make(map[string]struct{}),
		borrowed: make(map[string]string),
		owners:   make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) FreelistAdd(_ context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free[member] = struct{}{}
	return nil
}

func (s *MemoryStore) FreelistPopOne(_ context.Context) (pool.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return nil, ErrEmpty
	}
	// Map iteration order is randomized by the runtime already; a random
	// index pick keeps this honest about not guaranteeing any particular order
	// (§5: "no ordering is guaranteed").
	n := rand.Intn(len(s.free))
	i := 0
	for member := range s.free {
		if i == n {
			delete(s.free, member)
			return pool.Item(member), nil
		}
		i++
	}
	return nil, ErrEmpty
}

func (s *MemoryStore) FreelistContains(_ context.Context, item pool.Item) (bool, error) {
	member, err := item.Canonical()
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.free[member]
	return ok, nil
}

func (s *MemoryStore) FreelistList(_ context.Context) ([]pool.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]pool.Item, 0, len(s.free))
	for member := range s.free {
		items = append(items, pool.Item(member))
	}
	return items, nil
}

func (s *MemoryStore) FreelistCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.free)), nil
}

func (s *MemoryStore) BorrowRecord(_ context.Context, item pool.Item, token, owner string) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.borrowed[member]; ok {
		return ErrAlreadyBorrowed
	}
	s.borrowed[member] = token
	if owner != "" {
		s.owners[member] = owner
	}
	return nil
}

func (s *MemoryStore) BorrowRemove(_ context.Context, item pool.Item, token string) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.borrowed[member]
	if !ok || stored != token {
		return ErrUnknownToken
	}
	delete(s.borrowed, member)
	delete(s.owners, member)
	return nil
}

func (s *MemoryStore) BorrowCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.borrowed)), nil
}

func (s *MemoryStore) BorrowList(_ context.Context) ([]BorrowedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]BorrowedEntry, 0, len(s.borrowed))
	for member, token := range s.borrowed {
		entries = append(entries, BorrowedEntry{Item: pool.Item(member), Token: token, Owner: s.owners[member]})
	}
	return entries, nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.free[member]; !ok {
		return ErrNotFound
	}
	delete(s.free, member)
	return nil
}

func (s *MemoryStore) DeleteBorrowed(_ context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.borrowed[member]; !ok {
		return ErrNotFound
	}
	delete(s.borrowed, member)
	delete(s.owners, member)
	return nil
}

func (s *MemoryStore) ForceReturn(_ context.Context, item pool.Item) error {
	member, err := item.Canonical()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.borrowed[member]; !ok {
		return ErrNotFound
	}
	delete(s.borrowed, member)
	delete(s.owners, member)
	s.free[member] = struct{}{}
	return nil
}
