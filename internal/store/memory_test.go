package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vaultfolio/position-engine/internal/ledger"
	"github.com/vaultfolio/position-engine/internal/model"
	"github.com/vaultfolio/position-engine/internal/store"
)

const (
	user  = "0x1111111111111111111111111111111111111111"
	vault = "0x2222222222222222222222222222222222222222"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPosition(t *testing.T, ms *store.MemoryStore, shares, invested float64, tx string) *model.Position {
	t.Helper()
	amount := d(invested)
	p, err := ledger.ApplyDeposit(nil, user, vault, model.Order{
		Amount: &amount, Shares: d(shares), TransactionHash: tx,
	})
	if err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	if err := ms.SavePosition(context.Background(), p, &p.Orders[0]); err != nil {
		t.Fatalf("save position: %v", err)
	}
	return p
}

func TestSavePosition_IncrementsVersion(t *testing.T) {
	ms := store.NewMemoryStore()
	p := seedPosition(t, ms, 100, 100, "0xtx1")

	if p.Version != 1 {
		t.Errorf("expected version=1 after first save, got %d", p.Version)
	}

	stored, err := ms.GetPosition(context.Background(), user, vault)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("expected stored version=1, got %d", stored.Version)
	}
}

func TestSavePosition_VersionConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedPosition(t, ms, 100, 100, "0xtx1")

	// Two writers load the same version.
	a, _ := ms.GetPosition(ctx, user, vault)
	b, _ := ms.GetPosition(ctx, user, vault)

	nextA, err := ledger.ApplyRedeem(a, model.Order{Shares: d(60), TransactionHash: "0xtxA"})
	if err != nil {
		t.Fatalf("apply redeem: %v", err)
	}
	if err := ms.SavePosition(ctx, nextA, &nextA.Orders[len(nextA.Orders)-1]); err != nil {
		t.Fatalf("first save should win: %v", err)
	}

	// The loser must not double-spend the share balance.
	nextB, err := ledger.ApplyRedeem(b, model.Order{Shares: d(60), TransactionHash: "0xtxB"})
	if err != nil {
		t.Fatalf("apply redeem: %v", err)
	}
	err = ms.SavePosition(ctx, nextB, &nextB.Orders[len(nextB.Orders)-1])
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Reload and retry: now there are only 40 shares left.
	fresh, _ := ms.GetPosition(ctx, user, vault)
	if !fresh.TotalShares.Equal(d(40)) {
		t.Errorf("expected 40 shares after winning redeem, got %s", fresh.TotalShares)
	}
	if _, err := ledger.ApplyRedeem(fresh, model.Order{Shares: d(60), TransactionHash: "0xtxB"}); !errors.Is(err, ledger.ErrInsufficientShares) {
		t.Errorf("retry against fresh state should fail on shares, got %v", err)
	}
}

func TestSavePosition_ConflictOnConcurrentCreate(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	amount := d(10)

	a, _ := ledger.ApplyDeposit(nil, user, vault, model.Order{
		Amount: &amount, Shares: d(10), TransactionHash: "0xtxA",
	})
	b, _ := ledger.ApplyDeposit(nil, user, vault, model.Order{
		Amount: &amount, Shares: d(10), TransactionHash: "0xtxB",
	})

	if err := ms.SavePosition(ctx, a, &a.Orders[0]); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := ms.SavePosition(ctx, b, &b.Orders[0]); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict on concurrent create, got %v", err)
	}
}

func TestSavePosition_DuplicateTransaction(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedPosition(t, ms, 100, 100, "0xtx1")

	// A stale writer re-appends an order whose hash already landed.
	p, _ := ms.GetPosition(ctx, user, vault)
	dup := *p
	dup.Orders = append(append([]model.Order(nil), p.Orders...), model.Order{
		ID: "dup", Kind: model.KindRedeem, Shares: d(1), TransactionHash: "0xtx1",
	})
	err := ms.SavePosition(ctx, &dup, &dup.Orders[len(dup.Orders)-1])
	if !errors.Is(err, store.ErrDuplicateTransaction) {
		t.Errorf("expected ErrDuplicateTransaction, got %v", err)
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	_, err := ms.GetPosition(context.Background(), user, vault)
	if !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestGetPosition_ReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedPosition(t, ms, 100, 100, "0xtx1")

	p, _ := ms.GetPosition(ctx, user, vault)
	p.TotalShares = d(999)
	p.Orders[0].TransactionHash = "tampered"

	fresh, _ := ms.GetPosition(ctx, user, vault)
	if !fresh.TotalShares.Equal(d(100)) {
		t.Errorf("stored state aliased by caller: totalShares=%s", fresh.TotalShares)
	}
	if fresh.Orders[0].TransactionHash != "0xtx1" {
		t.Errorf("stored orders aliased by caller: %s", fresh.Orders[0].TransactionHash)
	}
}

func TestListPositionsByUser(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedPosition(t, ms, 100, 100, "0xtx1")

	vault2 := "0x3333333333333333333333333333333333333333"
	amount := d(50)
	p2, _ := ledger.ApplyDeposit(nil, user, vault2, model.Order{
		Amount: &amount, Shares: d(50), TransactionHash: "0xtx2",
	})
	if err := ms.SavePosition(ctx, p2, &p2.Orders[0]); err != nil {
		t.Fatalf("save second position: %v", err)
	}

	positions, err := ms.ListPositionsByUser(ctx, user)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(positions) != 2 {
		t.Errorf("expected 2 positions, got %d", len(positions))
	}

	other, err := ms.ListPositionsByUser(ctx, "0x9999999999999999999999999999999999999999")
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no positions for other user, got %d", len(other))
	}
}

func TestConcurrentRedeems_NeverOverspend(t *testing.T) {
	// Many goroutines race load→apply→save with retry; exactly the held
	// share balance can be redeemed, never more.
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedPosition(t, ms, 100, 100, "0xseed")

	var wg sync.WaitGroup
	succeeded := make(chan struct{}, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tx := "0xtx-" + string(rune('a'+n))
			for {
				p, err := ms.GetPosition(ctx, user, vault)
				if err != nil {
					return
				}
				next, err := ledger.ApplyRedeem(p, model.Order{
					Shares: d(10), TransactionHash: tx,
				})
				if err != nil {
					return // insufficient shares: balance exhausted
				}
				err = ms.SavePosition(ctx, next, &next.Orders[len(next.Orders)-1])
				if err == nil {
					succeeded <- struct{}{}
					return
				}
				if !errors.Is(err, store.ErrVersionConflict) {
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(succeeded)

	wins := 0
	for range succeeded {
		wins++
	}
	if wins != 10 {
		t.Errorf("expected exactly 10 of 20 redeems to land, got %d", wins)
	}

	final, _ := ms.GetPosition(ctx, user, vault)
	if !final.TotalShares.IsZero() {
		t.Errorf("expected 0 shares after exhausting balance, got %s", final.TotalShares)
	}
	if !final.TotalInvestedValue.IsZero() {
		t.Errorf("expected 0 invested after full exit, got %s", final.TotalInvestedValue)
	}
}
