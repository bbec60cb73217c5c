package pricing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultfolio/position-engine/internal/model"
	"github.com/vaultfolio/position-engine/internal/pricing"
)

const vault = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// countingSource wraps a Source and counts fetches.
type countingSource struct {
	price model.VaultPrice
	err   error
	calls int
}

func (s *countingSource) VaultPrice(_ context.Context, _ string) (model.VaultPrice, error) {
	s.calls++
	if s.err != nil {
		return model.VaultPrice{}, s.err
	}
	return s.price, nil
}

func TestCache_ServesFreshEntryWithoutRefetch(t *testing.T) {
	src := &countingSource{price: model.VaultPrice{TotalAssets: d(1200), TotalSupply: d(1000)}}
	cache := pricing.NewCache(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p, err := cache.VaultPrice(ctx, vault)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if !p.PerShare().Equal(d(1.2)) {
			t.Fatalf("fetch %d: expected 1.2 per share, got %s", i, p.PerShare())
		}
	}

	if src.calls != 1 {
		t.Errorf("expected 1 source fetch within TTL, got %d", src.calls)
	}
}

func TestCache_RefetchesAfterTTL(t *testing.T) {
	src := &countingSource{price: model.VaultPrice{TotalAssets: d(1000), TotalSupply: d(1000)}}
	cache := pricing.NewCache(src, time.Nanosecond)
	ctx := context.Background()

	cache.VaultPrice(ctx, vault)
	time.Sleep(time.Millisecond)
	cache.VaultPrice(ctx, vault)

	if src.calls != 2 {
		t.Errorf("expected refetch after TTL expiry, got %d calls", src.calls)
	}
}

func TestCache_ServesStaleOnSourceError(t *testing.T) {
	src := &countingSource{price: model.VaultPrice{TotalAssets: d(1500), TotalSupply: d(1000)}}
	cache := pricing.NewCache(src, time.Nanosecond)
	ctx := context.Background()

	if _, err := cache.VaultPrice(ctx, vault); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}

	src.err = errors.New("rpc down")
	time.Sleep(time.Millisecond)

	p, err := cache.VaultPrice(ctx, vault)
	if err != nil {
		t.Fatalf("expected stale entry over error, got %v", err)
	}
	if !p.PerShare().Equal(d(1.5)) {
		t.Errorf("expected stale price 1.5, got %s", p.PerShare())
	}
}

func TestCache_ErrorWithNoEntry(t *testing.T) {
	src := &countingSource{err: errors.New("rpc down")}
	cache := pricing.NewCache(src, time.Minute)

	if _, err := cache.VaultPrice(context.Background(), vault); err == nil {
		t.Error("expected error when source fails with empty cache")
	}
}

func TestStatic_UnknownVault(t *testing.T) {
	src := pricing.Static{}
	_, err := src.VaultPrice(context.Background(), vault)
	if !errors.Is(err, pricing.ErrVaultUnknown) {
		t.Errorf("expected ErrVaultUnknown, got %v", err)
	}
}

func TestPrices_SkipsUnknownVaults(t *testing.T) {
	known := vault
	unknown := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	src := pricing.Static{
		known: {TotalAssets: d(100), TotalSupply: d(100)},
	}

	prices := pricing.Prices(context.Background(), src, []string{known, unknown})
	if len(prices) != 1 {
		t.Fatalf("expected 1 price, got %d", len(prices))
	}
	if _, ok := prices[known]; !ok {
		t.Errorf("expected price for %s", known)
	}
}
