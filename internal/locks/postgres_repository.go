package locks

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

const (
	pendingIndex     = "locks_one_pending_per_account"
	transactionIndex = "locks_transaction_unique"

	lockColumns = `lock_id, account_id, currency, amount, transaction_id, state, created_at, expires_at, updated_at`
)

// PostgresRepository persiste locks no Postgres. The partial unique index on
// pending locks backs the keyed mutex across instances.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository cria um novo repositório Postgres
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func scanLock(row pgx.Row) (*domain.Lock, error) {
	var lock domain.Lock
	var state string
	err := row.Scan(
		&lock.LockID,
		&lock.AccountID,
		&lock.Currency,
		&lock.Amount,
		&lock.TransactionID,
		&state,
		&lock.CreatedAt,
		&lock.ExpiresAt,
		&lock.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	lock.State = domain.LockState(state)
	return &lock, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, lock *domain.Lock) error {
	query := `
		INSERT INTO locks (lock_id, account_id, currency, amount, transaction_id, state, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		lock.LockID,
		lock.AccountID,
		lock.Currency,
		lock.Amount,
		lock.TransactionID,
		string(lock.State),
		lock.CreatedAt,
		lock.ExpiresAt,
		lock.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case postgres.IsUniqueViolation(err, pendingIndex):
		return fmt.Errorf("%w: account %s", domain.ErrSequentialViolation, lock.AccountID)
	case postgres.IsUniqueViolation(err, transactionIndex):
		return fmt.Errorf("%w: transaction %s already holds a lock", domain.ErrSequentialViolation, lock.TransactionID)
	default:
		return postgres.MapError(err, "insert lock")
	}
}

func (r *PostgresRepository) Get(ctx context.Context, lockID string) (*domain.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM locks WHERE lock_id = $1`
	lock, err := scanLock(r.pool.QueryRow(ctx, query, lockID))
	if err != nil {
		return nil, postgres.MapError(err, "lock "+lockID)
	}
	return lock, nil
}

func (r *PostgresRepository) GetByTransaction(ctx context.Context, transactionID string) (*domain.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM locks WHERE transaction_id = $1`
	lock, err := scanLock(r.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		return nil, postgres.MapError(err, "lock for transaction "+transactionID)
	}
	return lock, nil
}

func (r *PostgresRepository) GetPending(ctx context.Context, accountID string) (*domain.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM locks WHERE account_id = $1 AND state = 'pending'`
	lock, err := scanLock(r.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		return nil, postgres.MapError(err, "pending lock for account "+accountID)
	}
	return lock, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, lockID string, from, to domain.LockState) (*domain.Lock, bool, error) {
	query := `
		UPDATE locks
		SET state = $3, updated_at = NOW()
		WHERE lock_id = $1 AND state = $2
		RETURNING ` + lockColumns

	lock, err := scanLock(r.pool.QueryRow(ctx, query, lockID, string(from), string(to)))
	if err == nil {
		return lock, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, postgres.MapError(err, "transition lock")
	}

	// Nenhuma linha atualizada: o lock não existe ou já saiu de "from"
	current, err := r.Get(ctx, lockID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Lock, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + lockColumns + `
		FROM locks
		WHERE state = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, postgres.MapError(err, "list expired locks")
	}
	defer rows.Close()

	var expired []*domain.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, postgres.MapError(err, "scan lock")
		}
		expired = append(expired, lock)
	}
	return expired, postgres.MapError(rows.Err(), "list expired locks")
}
