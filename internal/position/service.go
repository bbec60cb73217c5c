// Package position provides the HTTP handlers and mutation sequencing for
// recording deposits/redemptions and querying positions, holdings, and
// order history.
//
// All monetary values use shopspring/decimal — never float64 for money.
package position

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vaultfolio/position-engine/internal/ledger"
	"github.com/vaultfolio/position-engine/internal/metrics"
	"github.com/vaultfolio/position-engine/internal/model"
	"github.com/vaultfolio/position-engine/internal/pricing"
	"github.com/vaultfolio/position-engine/internal/store"
	"github.com/vaultfolio/position-engine/internal/valuation"
)

// maxConflictRetries bounds how many times a lost optimistic race is
// retried before the request surfaces as a transient failure.
const maxConflictRetries = 3

// errTooManyConflicts is returned when every retry of a mutation lost the
// version race.
var errTooManyConflicts = errors.New("position: too many version conflicts")

// Service handles ledger mutations and read queries. Mutations for the
// same (user, vault) key are serialized in-process by a per-key lock; the
// store's version-conditioned write covers writers in other processes.
type Service struct {
	store  store.Store
	prices pricing.Source
	keys   keyLocks
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new position service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, prices pricing.Source, hub *WSHub) *Service {
	return &Service{
		store:  st,
		prices: prices,
		wsHub:  hub,
	}
}

// keyLocks hands out one mutex per (user, vault) key. Locks are never
// reaped; the key space is bounded by actual user-vault pairs.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	UserAddress     string          `json:"user_address"`
	VaultAddress    string          `json:"vault_address"`
	Amount          decimal.Decimal `json:"amount"`
	Shares          decimal.Decimal `json:"shares"`
	TransactionHash string          `json:"transaction_hash"`
	BlockNumber     *int64          `json:"block_number,omitempty"`
	Timestamp       *time.Time      `json:"timestamp,omitempty"`
}

// RedeemRequest is the JSON body for POST /redeems. Amount (capital
// received) may be unknown at redeem time and is informational only.
type RedeemRequest struct {
	UserAddress     string           `json:"user_address"`
	VaultAddress    string           `json:"vault_address"`
	Shares          decimal.Decimal  `json:"shares"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	TransactionHash string           `json:"transaction_hash"`
	BlockNumber     *int64           `json:"block_number,omitempty"`
	Timestamp       *time.Time       `json:"timestamp,omitempty"`
}

// MutationResponse summarizes the position after a recorded mutation.
type MutationResponse struct {
	UserAddress        string          `json:"user_address"`
	VaultAddress       string          `json:"vault_address"`
	TotalShares        decimal.Decimal `json:"total_shares"`
	TotalInvestedValue decimal.Decimal `json:"total_invested_value"`
	OrderCount         int             `json:"order_count"`
	Duplicate          bool            `json:"duplicate,omitempty"`
}

// HoldingsResponse is the portfolio view returned from GET /holdings.
type HoldingsResponse struct {
	UserAddress string                 `json:"user_address"`
	Holdings    []model.Holding        `json:"holdings"`
	Metrics     model.PortfolioMetrics `json:"metrics"`
}

// --- HTTP Handlers ---

// RecordDeposit handles POST /api/v1/deposits
func (s *Service) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userAddr, vaultAddr, ok := s.normalizeAddresses(w, req.UserAddress, req.VaultAddress)
	if !ok {
		return
	}

	ord := model.Order{
		Shares:          req.Shares,
		Amount:          &req.Amount,
		TransactionHash: req.TransactionHash,
		BlockNumber:     req.BlockNumber,
	}
	if req.Timestamp != nil {
		ord.Timestamp = req.Timestamp.UTC()
	}

	next, err := s.mutate(r, userAddr, vaultAddr, func(prev *model.Position) (*model.Position, error) {
		return ledger.ApplyDeposit(prev, userAddr, vaultAddr, ord)
	})
	if err != nil {
		s.writeMutationError(w, r, userAddr, vaultAddr, err)
		return
	}

	metrics.OrdersTotal.WithLabelValues(model.KindDeposit).Inc()
	metrics.OrderApplyLatency.WithLabelValues(model.KindDeposit).Observe(time.Since(start).Seconds())

	slog.Info("deposit recorded",
		"user", userAddr,
		"vault", vaultAddr,
		"amount", req.Amount.String(),
		"shares", req.Shares.String(),
		"tx", req.TransactionHash,
		"total_shares", next.TotalShares.String(),
	)

	s.broadcast(next)
	writeJSON(w, http.StatusOK, summarize(next, false))
}

// RecordRedeem handles POST /api/v1/redeems
func (s *Service) RecordRedeem(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userAddr, vaultAddr, ok := s.normalizeAddresses(w, req.UserAddress, req.VaultAddress)
	if !ok {
		return
	}

	ord := model.Order{
		Shares:          req.Shares,
		Amount:          req.Amount,
		TransactionHash: req.TransactionHash,
		BlockNumber:     req.BlockNumber,
	}
	if req.Timestamp != nil {
		ord.Timestamp = req.Timestamp.UTC()
	}

	next, err := s.mutate(r, userAddr, vaultAddr, func(prev *model.Position) (*model.Position, error) {
		return ledger.ApplyRedeem(prev, ord)
	})
	if err != nil {
		s.writeMutationError(w, r, userAddr, vaultAddr, err)
		return
	}

	metrics.OrdersTotal.WithLabelValues(model.KindRedeem).Inc()
	metrics.OrderApplyLatency.WithLabelValues(model.KindRedeem).Observe(time.Since(start).Seconds())

	slog.Info("redeem recorded",
		"user", userAddr,
		"vault", vaultAddr,
		"shares", req.Shares.String(),
		"tx", req.TransactionHash,
		"total_shares", next.TotalShares.String(),
	)

	s.broadcast(next)
	writeJSON(w, http.StatusOK, summarize(next, false))
}

// GetPosition handles GET /api/v1/positions/{userAddress}/{vaultAddress}
// An absent position is not an error: the response carries a null position.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	userAddr, vaultAddr, ok := s.normalizeAddresses(w,
		chi.URLParam(r, "userAddress"), chi.URLParam(r, "vaultAddress"))
	if !ok {
		return
	}

	p, err := s.store.GetPosition(r.Context(), userAddr, vaultAddr)
	if err != nil {
		if errors.Is(err, store.ErrPositionNotFound) {
			writeJSON(w, http.StatusOK, map[string]*model.Position{"position": nil})
			return
		}
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]*model.Position{"position": p})
}

// GetPositions handles GET /api/v1/positions/{userAddress}
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userAddr, ok := s.normalizeAddress(w, chi.URLParam(r, "userAddress"))
	if !ok {
		return
	}

	positions, err := s.store.ListPositionsByUser(r.Context(), userAddr)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	writeJSON(w, http.StatusOK, positions)
}

// GetHoldings handles GET /api/v1/holdings/{userAddress}
// Combines the user's positions with live price data into per-vault
// holdings and portfolio-level metrics.
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	userAddr, ok := s.normalizeAddress(w, chi.URLParam(r, "userAddress"))
	if !ok {
		return
	}

	ctx := r.Context()
	positions, err := s.store.ListPositionsByUser(ctx, userAddr)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	prices := pricing.Prices(ctx, s.prices, vaultsOf(positions))
	holdings := valuation.ComputeHoldings(positions, prices)

	writeJSON(w, http.StatusOK, HoldingsResponse{
		UserAddress: userAddr,
		Holdings:    holdings,
		Metrics:     valuation.ComputePortfolioMetrics(holdings),
	})
}

// GetOrderHistory handles GET /api/v1/orders/{userAddress}
// Returns the unified, time-descending order history across all vaults,
// annotated with current prices.
func (s *Service) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	userAddr, ok := s.normalizeAddress(w, chi.URLParam(r, "userAddress"))
	if !ok {
		return
	}

	ctx := r.Context()
	positions, err := s.store.ListPositionsByUser(ctx, userAddr)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	prices := pricing.Prices(ctx, s.prices, vaultsOf(positions))
	history := valuation.ComputeOrderHistory(positions, prices)
	if history == nil {
		history = []model.OrderHistoryEntry{}
	}

	writeJSON(w, http.StatusOK, history)
}

// --- Mutation sequencing ---

// mutate runs the load → apply → persist sequence for one (user, vault)
// key, retrying a bounded number of times when the optimistic write loses
// the race.
func (s *Service) mutate(r *http.Request, userAddr, vaultAddr string,
	apply func(prev *model.Position) (*model.Position, error)) (*model.Position, error) {

	ctx := r.Context()
	unlock := s.keys.lock(userAddr + "|" + vaultAddr)
	defer unlock()

	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		prev, err := s.store.GetPosition(ctx, userAddr, vaultAddr)
		if err != nil && !errors.Is(err, store.ErrPositionNotFound) {
			return nil, err
		}

		next, err := apply(prev)
		if err != nil {
			return nil, err
		}

		newOrder := next.Orders[len(next.Orders)-1]
		if err := s.store.SavePosition(ctx, next, &newOrder); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				metrics.ConflictRetries.Inc()
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, errTooManyConflicts
}

// writeMutationError maps ledger and store errors to HTTP responses. A
// duplicate transaction hash is answered as a no-op success carrying the
// current totals, so client retries converge instead of double-counting.
func (s *Service) writeMutationError(w http.ResponseWriter, r *http.Request, userAddr, vaultAddr string, err error) {
	switch {
	case errors.Is(err, ledger.ErrDuplicateTransaction) || errors.Is(err, store.ErrDuplicateTransaction):
		metrics.DuplicatesSuppressed.Inc()
		p, loadErr := s.store.GetPosition(r.Context(), userAddr, vaultAddr)
		if loadErr != nil {
			writeError(w, "failed to load position", http.StatusInternalServerError)
			return
		}
		slog.Info("duplicate transaction suppressed", "user", userAddr, "vault", vaultAddr)
		writeJSON(w, http.StatusOK, summarize(p, true))

	case errors.Is(err, ledger.ErrInvalidOrder):
		metrics.RejectedOrders.WithLabelValues("validation").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, ledger.ErrInsufficientShares):
		metrics.RejectedOrders.WithLabelValues("insufficient_shares").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, ledger.ErrNoPosition):
		metrics.RejectedOrders.WithLabelValues("no_position").Inc()
		writeError(w, "no position exists for this user and vault", http.StatusNotFound)

	case errors.Is(err, errTooManyConflicts):
		writeError(w, "position is being updated concurrently, retry", http.StatusServiceUnavailable)

	default:
		slog.Error("mutation failed", "user", userAddr, "vault", vaultAddr, "err", err)
		writeError(w, "failed to record order", http.StatusInternalServerError)
	}
}

// --- Helpers ---

func (s *Service) normalizeAddress(w http.ResponseWriter, addr string) (string, bool) {
	normalized, err := model.NormalizeAddress(addr)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return normalized, true
}

func (s *Service) normalizeAddresses(w http.ResponseWriter, userAddr, vaultAddr string) (string, string, bool) {
	user, err := model.NormalizeAddress(userAddr)
	if err != nil {
		writeError(w, "user_address: "+err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	vault, err := model.NormalizeAddress(vaultAddr)
	if err != nil {
		writeError(w, "vault_address: "+err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	return user, vault, true
}

func (s *Service) broadcast(p *model.Position) {
	if s.wsHub == nil {
		return
	}
	last := p.Orders[len(p.Orders)-1]
	msg := WSMessage{
		Type:               "order_recorded",
		UserAddress:        p.UserAddress,
		VaultAddress:       p.VaultAddress,
		Kind:               last.Kind,
		Shares:             last.Shares.String(),
		TransactionHash:    last.TransactionHash,
		TotalShares:        p.TotalShares.String(),
		TotalInvestedValue: p.TotalInvestedValue.String(),
	}
	if last.Amount != nil {
		msg.Amount = last.Amount.String()
	}
	s.wsHub.Broadcast(msg)
}

func summarize(p *model.Position, duplicate bool) MutationResponse {
	return MutationResponse{
		UserAddress:        p.UserAddress,
		VaultAddress:       p.VaultAddress,
		TotalShares:        p.TotalShares,
		TotalInvestedValue: p.TotalInvestedValue,
		OrderCount:         len(p.Orders),
		Duplicate:          duplicate,
	}
}

func vaultsOf(positions []model.Position) []string {
	vaults := make([]string, 0, len(positions))
	for _, p := range positions {
		vaults = append(vaults, p.VaultAddress)
	}
	return vaults
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
