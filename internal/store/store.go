// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/vaultfolio/position-engine/internal/model"
)

var (
	// ErrPositionNotFound is returned when no position exists for the
	// requested (user, vault) pair.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrVersionConflict is returned when a save loses the optimistic
	// race: the stored version no longer matches the version read at load
	// time. Callers reload and retry.
	ErrVersionConflict = errors.New("store: position version conflict")

	// ErrDuplicateTransaction is returned when the appended order's
	// transaction hash is already recorded for the position. This is the
	// storage-level backstop behind the engine's own duplicate check.
	ErrDuplicateTransaction = errors.New("store: transaction hash already recorded")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. All addresses passed in must
// already be normalized to lowercase.
type Store interface {
	// GetPosition retrieves the position for a (user, vault) pair,
	// including its full order history. Returns ErrPositionNotFound when
	// the pair has never deposited.
	GetPosition(ctx context.Context, userAddr, vaultAddr string) (*model.Position, error)

	// ListPositionsByUser returns all positions held by a user.
	ListPositionsByUser(ctx context.Context, userAddr string) ([]model.Position, error)

	// SavePosition atomically persists the position's totals and appends
	// newOrder to its ledger. The write is conditioned on p.Version being
	// the version currently stored (0 for a brand-new position); on
	// success the stored and in-memory version are incremented. Either
	// every field lands or none does.
	//
	// Returns ErrVersionConflict when the condition fails and
	// ErrDuplicateTransaction when newOrder's transaction hash is already
	// recorded.
	SavePosition(ctx context.Context, p *model.Position, newOrder *model.Order) error
}
