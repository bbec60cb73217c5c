// Package valuation is the read-side aggregation: it combines ledger
// positions with live vault price data to produce holdings, portfolio
// metrics, and the unified order history.
//
// Everything here is pure math over inputs the caller supplies. Valuation
// never locks, never mutates a position, and may observe a ledger slightly
// behind an in-flight mutation — reads are informational, not authorizing.
package valuation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vaultfolio/position-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// ComputeHoldings produces one Holding per position whose vault appears in
// prices. Positions for unknown or delisted vaults are silently dropped —
// a missing price is not an error on the read path.
func ComputeHoldings(positions []model.Position, prices map[string]model.VaultPrice) []model.Holding {
	holdings := make([]model.Holding, 0, len(positions))
	for _, p := range positions {
		price, ok := prices[p.VaultAddress]
		if !ok {
			continue
		}

		perShare := price.PerShare()
		current := p.TotalShares.Mul(perShare)

		rate := decimal.Zero
		if p.TotalInvestedValue.IsPositive() {
			rate = current.Sub(p.TotalInvestedValue).
				Div(p.TotalInvestedValue).
				Mul(hundred)
		}

		holdings = append(holdings, model.Holding{
			UserAddress:    p.UserAddress,
			VaultAddress:   p.VaultAddress,
			Shares:         p.TotalShares,
			InvestedAmount: p.TotalInvestedValue,
			PricePerShare:  perShare,
			CurrentAmount:  current,
			RateOfReturn:   rate,
		})
	}
	return holdings
}

// ComputePortfolioMetrics aggregates holdings into portfolio-level totals.
func ComputePortfolioMetrics(holdings []model.Holding) model.PortfolioMetrics {
	value := decimal.Zero
	invested := decimal.Zero
	for _, h := range holdings {
		value = value.Add(h.CurrentAmount)
		invested = invested.Add(h.InvestedAmount)
	}

	returns := value.Sub(invested)
	returnsPct := decimal.Zero
	if invested.IsPositive() {
		returnsPct = returns.Div(invested).Mul(hundred)
	}

	return model.PortfolioMetrics{
		PortfolioValue:      value,
		Invested:            invested,
		TotalReturns:        returns,
		TotalReturnsPercent: returnsPct,
	}
}

// ComputeOrderHistory flattens every order across all positions into a
// single time-descending sequence. Each entry is annotated with the vault's
// current price per share as an approximation of the price at order time;
// historical prices are not tracked. Orders for vaults without price data
// are kept with a zero price — history is about what happened, not what it
// is worth now.
func ComputeOrderHistory(positions []model.Position, prices map[string]model.VaultPrice) []model.OrderHistoryEntry {
	var history []model.OrderHistoryEntry
	for _, p := range positions {
		perShare := prices[p.VaultAddress].PerShare()
		for _, o := range p.Orders {
			history = append(history, model.OrderHistoryEntry{
				Order:         o,
				VaultAddress:  p.VaultAddress,
				PricePerShare: perShare,
			})
		}
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.After(history[j].Timestamp)
	})
	return history
}
