// Package pricing supplies live vault price data (totalAssets, totalSupply)
// to the read-side aggregation. The on-chain contract reads themselves live
// behind the Source interface; this package owns the caching policy.
package pricing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vaultfolio/position-engine/internal/model"
)

// ErrVaultUnknown is returned when the source has no price data for a
// vault. Read-side callers drop such vaults rather than failing.
var ErrVaultUnknown = errors.New("pricing: unknown vault")

// Source provides current price data for a vault. The production
// implementation reads totalAssets() and totalSupply() from the vault
// contract; tests use Static.
type Source interface {
	VaultPrice(ctx context.Context, vaultAddr string) (model.VaultPrice, error)
}

// Static is a fixed-price Source for tests and development.
type Static map[string]model.VaultPrice

func (s Static) VaultPrice(_ context.Context, vaultAddr string) (model.VaultPrice, error) {
	p, ok := s[vaultAddr]
	if !ok {
		return model.VaultPrice{}, ErrVaultUnknown
	}
	return p, nil
}

// Cache is an explicit, time-bounded read-through cache over a Source. It
// is owned and passed around by its caller — never ambient process state —
// so the freshness policy is visible at every use site. Price fetches never
// participate in ledger mutation; a slow or failing source degrades reads
// only.
type Cache struct {
	source Source
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	price     model.VaultPrice
	fetchedAt time.Time
}

// NewCache creates a price cache with the given freshness window.
func NewCache(source Source, ttl time.Duration) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// VaultPrice returns the cached price when fresh, otherwise fetches from
// the underlying source and re-populates.
func (c *Cache) VaultPrice(ctx context.Context, vaultAddr string) (model.VaultPrice, error) {
	c.mu.RLock()
	e, ok := c.entries[vaultAddr]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < c.ttl {
		return e.price, nil
	}

	price, err := c.source.VaultPrice(ctx, vaultAddr)
	if err != nil {
		// Serve a stale entry over an error: prices are informational
		// and a delisted RPC endpoint should not empty the portfolio.
		if ok {
			return e.price, nil
		}
		return model.VaultPrice{}, err
	}

	c.mu.Lock()
	c.entries[vaultAddr] = cacheEntry{price: price, fetchedAt: time.Now()}
	c.mu.Unlock()
	return price, nil
}

// Prices resolves price data for a set of vaults, skipping vaults the
// source does not know. The returned map feeds the valuation aggregation.
func Prices(ctx context.Context, src Source, vaults []string) map[string]model.VaultPrice {
	prices := make(map[string]model.VaultPrice, len(vaults))
	for _, v := range vaults {
		p, err := src.VaultPrice(ctx, v)
		if err != nil {
			continue
		}
		prices[v] = p
	}
	return prices
}
