package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vaultfolio/position-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Position writes are conditioned on the version column; order rows carry a
// unique (user, vault, transaction_hash) index as the idempotency backstop.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	user_address         TEXT        NOT NULL,
	vault_address        TEXT        NOT NULL,
	total_shares         NUMERIC     NOT NULL,
	total_invested_value NUMERIC     NOT NULL,
	version              BIGINT      NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_address, vault_address)
);

CREATE TABLE IF NOT EXISTS orders (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT        NOT NULL,
	user_address     TEXT        NOT NULL,
	vault_address    TEXT        NOT NULL,
	kind             TEXT        NOT NULL,
	amount           NUMERIC,
	shares           NUMERIC     NOT NULL,
	transaction_hash TEXT        NOT NULL,
	block_number     BIGINT,
	ts               TIMESTAMPTZ NOT NULL,
	UNIQUE (user_address, vault_address, transaction_hash)
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_address, vault_address, seq);
`

// EnsureSchema creates the positions and orders tables if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, userAddr, vaultAddr string) (*model.Position, error) {
	var p model.Position
	var sharesS, investedS string

	err := s.pool.QueryRow(ctx,
		`SELECT user_address, vault_address,
		        total_shares::TEXT, total_invested_value::TEXT,
		        version, created_at, updated_at
		 FROM positions WHERE user_address = $1 AND vault_address = $2`,
		userAddr, vaultAddr).
		Scan(&p.UserAddress, &p.VaultAddress,
			&sharesS, &investedS,
			&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("get position %s/%s: %w", userAddr, vaultAddr, err)
	}

	p.TotalShares, _ = decimal.NewFromString(sharesS)
	p.TotalInvestedValue, _ = decimal.NewFromString(investedS)

	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, amount::TEXT, shares::TEXT, transaction_hash, block_number, ts
		 FROM orders WHERE user_address = $1 AND vault_address = $2 ORDER BY seq`,
		userAddr, vaultAddr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p.Orders, err = scanOrders(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userAddr string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_address, vault_address,
		        total_shares::TEXT, total_invested_value::TEXT,
		        version, created_at, updated_at
		 FROM positions WHERE user_address = $1 ORDER BY created_at`, userAddr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	byVault := make(map[string]int)
	for rows.Next() {
		var p model.Position
		var sharesS, investedS string
		if err := rows.Scan(&p.UserAddress, &p.VaultAddress,
			&sharesS, &investedS,
			&p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.TotalShares, _ = decimal.NewFromString(sharesS)
		p.TotalInvestedValue, _ = decimal.NewFromString(investedS)
		byVault[p.VaultAddress] = len(positions)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}

	orderRows, err := s.pool.Query(ctx,
		`SELECT vault_address, id, kind, amount::TEXT, shares::TEXT, transaction_hash, block_number, ts
		 FROM orders WHERE user_address = $1 ORDER BY seq`, userAddr)
	if err != nil {
		return nil, err
	}
	defer orderRows.Close()

	for orderRows.Next() {
		var vault string
		var o model.Order
		var amountS *string
		var sharesS string
		if err := orderRows.Scan(&vault, &o.ID, &o.Kind, &amountS, &sharesS,
			&o.TransactionHash, &o.BlockNumber, &o.Timestamp); err != nil {
			return nil, err
		}
		o.Shares, _ = decimal.NewFromString(sharesS)
		if amountS != nil {
			amt, _ := decimal.NewFromString(*amountS)
			o.Amount = &amt
		}
		if i, ok := byVault[vault]; ok {
			positions[i].Orders = append(positions[i].Orders, o)
		}
	}
	return positions, orderRows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position, newOrder *model.Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save position: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.Version == 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (user_address, vault_address, total_shares, total_invested_value, version, created_at, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, 1, $5, $6)`,
			p.UserAddress, p.VaultAddress,
			p.TotalShares.String(), p.TotalInvestedValue.String(),
			p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Row appeared since our load: a concurrent first
				// deposit won the race.
				return ErrVersionConflict
			}
			return fmt.Errorf("save position: insert: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE positions
			 SET total_shares = $4::NUMERIC, total_invested_value = $5::NUMERIC,
			     version = version + 1, updated_at = $6
			 WHERE user_address = $1 AND vault_address = $2 AND version = $3`,
			p.UserAddress, p.VaultAddress, p.Version,
			p.TotalShares.String(), p.TotalInvestedValue.String(),
			p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("save position: update: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
	}

	var amountS *string
	if newOrder.Amount != nil {
		a := newOrder.Amount.String()
		amountS = &a
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, user_address, vault_address, kind, amount, shares, transaction_hash, block_number, ts)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		newOrder.ID, p.UserAddress, p.VaultAddress, newOrder.Kind,
		amountS, newOrder.Shares.String(),
		newOrder.TransactionHash, newOrder.BlockNumber, newOrder.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("save position: insert order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save position: commit: %w", err)
	}
	p.Version++
	return nil
}

// scanOrders reads pgx rows into Order slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var amountS *string
		var sharesS string

		if err := rows.Scan(&o.ID, &o.Kind, &amountS, &sharesS,
			&o.TransactionHash, &o.BlockNumber, &o.Timestamp); err != nil {
			return nil, err
		}

		o.Shares, _ = decimal.NewFromString(sharesS)
		if amountS != nil {
			amt, _ := decimal.NewFromString(*amountS)
			o.Amount = &amt
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
