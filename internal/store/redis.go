package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultfolio/position-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A cached position may be one write behind the primary. That is safe for
// the mutation path because every save is version-conditioned: a write
// built on a stale read fails with ErrVersionConflict, the write
// invalidates both keys, and the retry's reload comes back fresh from the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) GetPosition(ctx context.Context, userAddr, vaultAddr string) (*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(userAddr, vaultAddr)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, userAddr, vaultAddr)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(userAddr, vaultAddr), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userAddr string) ([]model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, userPositionsKey(userAddr)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositionsByUser(ctx, userAddr)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, userPositionsKey(userAddr), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position, newOrder *model.Order) error {
	if err := s.primary.SavePosition(ctx, p, newOrder); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, positionKey(p.UserAddress, p.VaultAddress), userPositionsKey(p.UserAddress))
	return nil
}

func positionKey(userAddr, vaultAddr string) string {
	return fmt.Sprintf("position:%s:%s", userAddr, vaultAddr)
}

func userPositionsKey(userAddr string) string {
	return fmt.Sprintf("positions:%s", userAddr)
}
