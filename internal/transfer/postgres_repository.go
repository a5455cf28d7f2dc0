package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/postgres"
)

const txColumns = `transaction_id, sender_id, receiver_id, amount, currency, lock_id, state, failure_reason, created_at, updated_at`

// PostgresRepository persiste transações no Postgres
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var state string
	err := row.Scan(
		&tx.TransactionID,
		&tx.SenderID,
		&tx.ReceiverID,
		&tx.Amount,
		&tx.Currency,
		&tx.LockID,
		&state,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.State = domain.TransactionState(state)
	return &tx, nil
}

func (r *PostgresRepository) Create(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	query := `
		INSERT INTO transactions (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING ` + txColumns

	created, err := scanTransaction(r.pool.QueryRow(ctx, query,
		tx.TransactionID,
		tx.SenderID,
		tx.ReceiverID,
		tx.Amount,
		tx.Currency,
		tx.LockID,
		string(tx.State),
		tx.FailureReason,
		tx.CreatedAt,
		tx.UpdatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, postgres.MapError(err, "create transaction")
	}

	// Conflito: a transação já existe
	existing, err := r.Get(ctx, tx.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) Get(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE transaction_id = $1`
	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		return nil, postgres.MapError(err, "transaction "+transactionID)
	}
	return tx, nil
}

func (r *PostgresRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET state = $2, lock_id = $3, failure_reason = $4, updated_at = NOW()
		WHERE transaction_id = $1 AND state NOT IN ('completed', 'rolled_back', 'failed')
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query, tx.TransactionID, string(tx.State), tx.LockID, tx.FailureReason).Scan(&tx.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return postgres.MapError(err, "update transaction")
	}

	current, getErr := r.Get(ctx, tx.TransactionID)
	if getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: transaction %s is already %s", domain.ErrProtocolViolation, tx.TransactionID, current.State)
}

func (r *PostgresRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE state NOT IN ('completed', 'rolled_back', 'failed') AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, postgres.MapError(err, "list stale transactions")
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, postgres.MapError(err, "scan transaction")
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.MapError(err, "list stale transactions")
	}
	return out, nil
}
