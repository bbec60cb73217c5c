// Package model defines the core domain types shared across the position
// engine. All monetary values use shopspring/decimal — never float64 for
// money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order kinds.
const (
	KindDeposit = "deposit"
	KindRedeem  = "redeem"
)

// Order is an immutable record of a single deposit or redemption backing a
// Position. Once created, orders are never modified or deleted.
type Order struct {
	ID              string           `json:"id" db:"id"`
	Kind            string           `json:"kind" db:"kind"`     // "deposit" or "redeem"
	Amount          *decimal.Decimal `json:"amount" db:"amount"` // capital moved; nil when unknown at redeem time
	Shares          decimal.Decimal  `json:"shares" db:"shares"`
	TransactionHash string           `json:"transaction_hash" db:"transaction_hash"`
	BlockNumber     *int64           `json:"block_number,omitempty" db:"block_number"`
	Timestamp       time.Time        `json:"timestamp" db:"timestamp"`
}

// Position is the per-user, per-vault running ledger: cumulative shares
// held, cumulative capital invested, and the full order history backing
// those totals. Addresses are stored lowercase; at most one Position exists
// per (user, vault) pair.
//
// TotalShares and TotalInvestedValue are derived running totals — redeems
// subtract shares and remove cost basis proportionally, so neither is a
// plain sum over orders. Version increments on every successful write and
// conditions the store's optimistic update.
type Position struct {
	UserAddress        string          `json:"user_address" db:"user_address"`
	VaultAddress       string          `json:"vault_address" db:"vault_address"`
	Orders             []Order         `json:"orders"`
	TotalShares        decimal.Decimal `json:"total_shares" db:"total_shares"`
	TotalInvestedValue decimal.Decimal `json:"total_invested_value" db:"total_invested_value"`
	Version            int64           `json:"version" db:"version"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// AvgCostPerShare returns the weighted-average cost basis per share.
// Undefined (zero) when no shares are held.
func (p *Position) AvgCostPerShare() decimal.Decimal {
	if p.TotalShares.IsZero() || p.TotalInvestedValue.IsZero() {
		return decimal.Zero
	}
	return p.TotalInvestedValue.Div(p.TotalShares)
}

// VaultPrice is the live on-chain state needed to price a vault's shares:
// pricePerShare = totalAssets / totalSupply.
type VaultPrice struct {
	TotalAssets decimal.Decimal `json:"total_assets"`
	TotalSupply decimal.Decimal `json:"total_supply"`
}

// PerShare returns totalAssets/totalSupply, or zero for an empty vault.
func (v VaultPrice) PerShare() decimal.Decimal {
	if v.TotalSupply.IsZero() {
		return decimal.Zero
	}
	return v.TotalAssets.Div(v.TotalSupply)
}

// Holding is a point-in-time view of a Position's current value relative to
// its cost basis, computed from live price data.
type Holding struct {
	UserAddress    string          `json:"user_address"`
	VaultAddress   string          `json:"vault_address"`
	Shares         decimal.Decimal `json:"shares"`
	InvestedAmount decimal.Decimal `json:"invested_amount"`
	PricePerShare  decimal.Decimal `json:"price_per_share"`
	CurrentAmount  decimal.Decimal `json:"current_amount"`
	RateOfReturn   decimal.Decimal `json:"rate_of_return"` // percent
}

// PortfolioMetrics aggregates all holdings for a user.
type PortfolioMetrics struct {
	PortfolioValue      decimal.Decimal `json:"portfolio_value"`
	Invested            decimal.Decimal `json:"invested"`
	TotalReturns        decimal.Decimal `json:"total_returns"`
	TotalReturnsPercent decimal.Decimal `json:"total_returns_percent"`
}

// OrderHistoryEntry is one row of the unified, time-descending order history
// across all of a user's positions. PricePerShare is the vault's *current*
// price, substituted for the price at order time — historical prices are not
// tracked, and this approximation is deliberate.
type OrderHistoryEntry struct {
	Order
	VaultAddress  string          `json:"vault_address"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
}
