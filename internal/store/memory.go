package store

import (
	"context"
	"sync"

	"github.com/vaultfolio/position-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
//
// It enforces the same version and transaction-hash semantics as the
// Postgres store so concurrency tests run against it faithfully.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position // key: user|vault
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
	}
}

func posKey(userAddr, vaultAddr string) string {
	return userAddr + "|" + vaultAddr
}

func (s *MemoryStore) GetPosition(_ context.Context, userAddr, vaultAddr string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userAddr, vaultAddr)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userAddr string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserAddress == userAddr {
			result = append(result, *copyPosition(p))
		}
	}
	return result, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position, newOrder *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := posKey(p.UserAddress, p.VaultAddress)
	existing, ok := s.positions[key]

	if !ok {
		if p.Version != 0 {
			return ErrVersionConflict
		}
	} else {
		if existing.Version != p.Version {
			return ErrVersionConflict
		}
		for _, o := range existing.Orders {
			if o.TransactionHash == newOrder.TransactionHash {
				return ErrDuplicateTransaction
			}
		}
	}

	p.Version++
	s.positions[key] = copyPosition(p)
	return nil
}

// copyPosition deep-copies a position so callers never alias stored state.
func copyPosition(p *model.Position) *model.Position {
	cp := *p
	cp.Orders = make([]model.Order, len(p.Orders))
	copy(cp.Orders, p.Orders)
	return &cp
}
