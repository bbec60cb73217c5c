// Package ledger implements the pure mutation rules for user-vault
// positions: applying a deposit or redemption to a position yields the next
// position state without touching storage.
//
// Cost basis follows the weighted-average rule for fungible lot tracking
// without per-lot identification: every deposit blends into a single average
// cost per share, and a redemption removes cost proportionally rather than
// selecting FIFO/LIFO lots. This keeps position state O(1) regardless of
// order count. The average cost is never stored — it is always derived as
// totalInvestedValue / totalShares.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultfolio/position-engine/internal/model"
)

var (
	// ErrInvalidOrder is returned when a required order field is missing
	// or malformed. No mutation is attempted.
	ErrInvalidOrder = errors.New("ledger: invalid order")

	// ErrNoPosition is returned when a redeem targets a (user, vault)
	// pair with no recorded position.
	ErrNoPosition = errors.New("ledger: no position exists for this user and vault")

	// ErrInsufficientShares is returned when a redeem requests more
	// shares than the position holds.
	ErrInsufficientShares = errors.New("ledger: redeem shares exceed held shares")

	// ErrDuplicateTransaction is returned when the incoming order's
	// transaction hash is already recorded on the position. Callers treat
	// this as a no-op success rather than a second mutation.
	ErrDuplicateTransaction = errors.New("ledger: transaction hash already recorded")
)

// ApplyDeposit applies a deposit order to prev and returns the next
// position state. prev may be nil, in which case the position is created —
// this is the only way positions come into existence. prev is never
// mutated.
//
// Requires ord.Amount > 0, ord.Shares > 0, and a non-empty transaction
// hash. The order's ID and timestamp are filled in when absent. Past
// validation this operation cannot fail on business logic: totals simply
// add, and the average cost per share implicitly becomes the weighted
// average of old and new capital over old and new shares.
func ApplyDeposit(prev *model.Position, userAddr, vaultAddr string, ord model.Order) (*model.Position, error) {
	if ord.Amount == nil || !ord.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidOrder)
	}
	if !ord.Shares.IsPositive() {
		return nil, fmt.Errorf("%w: deposit shares must be positive", ErrInvalidOrder)
	}
	if ord.TransactionHash == "" {
		return nil, fmt.Errorf("%w: transaction hash is required", ErrInvalidOrder)
	}
	if prev != nil && hasTransaction(prev, ord.TransactionHash) {
		return nil, ErrDuplicateTransaction
	}

	ord.Kind = model.KindDeposit
	finalizeOrder(&ord)

	if prev == nil {
		return &model.Position{
			UserAddress:        userAddr,
			VaultAddress:       vaultAddr,
			Orders:             []model.Order{ord},
			TotalShares:        ord.Shares,
			TotalInvestedValue: *ord.Amount,
			CreatedAt:          ord.Timestamp,
			UpdatedAt:          ord.Timestamp,
		}, nil
	}

	next := clone(prev)
	next.TotalShares = next.TotalShares.Add(ord.Shares)
	next.TotalInvestedValue = next.TotalInvestedValue.Add(*ord.Amount)
	next.Orders = append(next.Orders, ord)
	next.UpdatedAt = ord.Timestamp
	return next, nil
}

// ApplyRedeem applies a redeem order to prev and returns the next position
// state. prev is never mutated.
//
// Cost basis is removed proportionally: investedValueRedeemed =
// shares * avgCostPerShare, so the average cost of the remaining shares is
// unchanged by the redemption. The order's Amount (capital actually
// received) is recorded as supplied but plays no part in the calculation —
// redemption value depends on the vault's share price, not the original
// cost basis.
//
// If the redemption empties the position, the remaining invested value is
// forced to zero so no cost-basis dust survives the division.
func ApplyRedeem(prev *model.Position, ord model.Order) (*model.Position, error) {
	if prev == nil {
		return nil, ErrNoPosition
	}
	if !ord.Shares.IsPositive() {
		return nil, fmt.Errorf("%w: redeem shares must be positive", ErrInvalidOrder)
	}
	if ord.TransactionHash == "" {
		return nil, fmt.Errorf("%w: transaction hash is required", ErrInvalidOrder)
	}
	if ord.Amount != nil && ord.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: redeem amount cannot be negative", ErrInvalidOrder)
	}
	if hasTransaction(prev, ord.TransactionHash) {
		return nil, ErrDuplicateTransaction
	}
	if ord.Shares.GreaterThan(prev.TotalShares) {
		return nil, fmt.Errorf("%w: requested %s, held %s",
			ErrInsufficientShares, ord.Shares, prev.TotalShares)
	}

	ord.Kind = model.KindRedeem
	finalizeOrder(&ord)

	avgCost := prev.AvgCostPerShare()
	redeemed := ord.Shares.Mul(avgCost)

	next := clone(prev)
	next.TotalShares = prev.TotalShares.Sub(ord.Shares)
	next.TotalInvestedValue = prev.TotalInvestedValue.Sub(redeemed)
	if next.TotalInvestedValue.IsNegative() {
		next.TotalInvestedValue = decimal.Zero
	}
	// Zeroing guard: a fully redeemed position carries no residual basis.
	if next.TotalShares.LessThanOrEqual(decimal.Zero) {
		next.TotalShares = decimal.Zero
		next.TotalInvestedValue = decimal.Zero
	}
	next.Orders = append(next.Orders, ord)
	next.UpdatedAt = ord.Timestamp
	return next, nil
}

// finalizeOrder fills in generated fields on a validated order.
func finalizeOrder(ord *model.Order) {
	if ord.ID == "" {
		ord.ID = uuid.New().String()
	}
	if ord.Timestamp.IsZero() {
		ord.Timestamp = time.Now().UTC()
	}
}

// hasTransaction reports whether the position already recorded an order
// with the given transaction hash.
func hasTransaction(p *model.Position, txHash string) bool {
	for _, o := range p.Orders {
		if o.TransactionHash == txHash {
			return true
		}
	}
	return false
}

// clone copies a position, including its order slice, so callers can build
// the next state without aliasing the previous one.
func clone(p *model.Position) *model.Position {
	next := *p
	next.Orders = make([]model.Order, len(p.Orders), len(p.Orders)+1)
	copy(next.Orders, p.Orders)
	return &next
}
