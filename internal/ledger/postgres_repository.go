package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/postgres"
)

// PostgresRepository persiste contas e postings no Postgres
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository cria um novo repositório Postgres
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const accountColumns = `account_id, currency, available, locked, frozen, created_at, last_updated`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(
		&acc.AccountID,
		&acc.Currency,
		&acc.Available,
		&acc.Locked,
		&acc.Frozen,
		&acc.CreatedAt,
		&acc.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// CreateAccount insere a conta
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (account_id, currency, available, locked, frozen, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		account.AccountID,
		account.Currency,
		account.Available,
		account.Locked,
		account.Frozen,
		account.CreatedAt,
		account.LastUpdated,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: account %s already registered", domain.ErrValidation, account.Key())
		}
		return postgres.MapError(err, "create account")
	}
	return nil
}

// GetAccount lê um snapshot da conta
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID, currency string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1 AND currency = $2`

	acc, err := scanAccount(r.pool.QueryRow(ctx, query, accountID, currency))
	if err != nil {
		return nil, postgres.MapError(err, fmt.Sprintf("account %s/%s", accountID, currency))
	}
	return acc, nil
}

// SetFrozen atualiza a flag de congelamento
func (r *PostgresRepository) SetFrozen(ctx context.Context, accountID, currency string, frozen bool) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET frozen = $3, last_updated = NOW()
		WHERE account_id = $1 AND currency = $2
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.pool.QueryRow(ctx, query, accountID, currency, frozen))
	if err != nil {
		return nil, postgres.MapError(err, fmt.Sprintf("account %s/%s", accountID, currency))
	}
	return acc, nil
}

// Apply executa o posting com lock pessimista (FOR UPDATE) na linha da conta
func (r *PostgresRepository) Apply(ctx context.Context, p domain.Posting) (domain.PostingResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.PostingResult{}, postgres.MapError(err, "begin posting")
	}
	defer postgres.RollbackQuietly(ctx, tx)

	lockQuery := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1 AND currency = $2 FOR UPDATE`
	acc, err := scanAccount(tx.QueryRow(ctx, lockQuery, p.AccountID, p.Currency))
	if err != nil {
		return domain.PostingResult{}, postgres.MapError(err, fmt.Sprintf("account %s/%s", p.AccountID, p.Currency))
	}

	posted, err := r.postedKinds(ctx, tx, p.TransactionID, p.AccountID)
	if err != nil {
		return domain.PostingResult{}, err
	}

	eff, err := plan(acc, posted, p)
	if err != nil {
		return domain.PostingResult{}, err
	}

	if eff.applied {
		updateQuery := `
			UPDATE accounts
			SET available = $3, locked = $4, last_updated = NOW()
			WHERE account_id = $1 AND currency = $2
			RETURNING last_updated
		`
		if err := tx.QueryRow(ctx, updateQuery, p.AccountID, p.Currency, eff.available, eff.locked).Scan(&acc.LastUpdated); err != nil {
			return domain.PostingResult{}, postgres.MapError(err, "update balances")
		}
		acc.Available = eff.available
		acc.Locked = eff.locked
	}

	if eff.journal {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		insertQuery := `
			INSERT INTO ledger_postings (transaction_id, account_id, currency, kind, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err := tx.Exec(ctx, insertQuery, p.TransactionID, p.AccountID, p.Currency, string(p.Kind), eff.amount, createdAt)
		if err != nil {
			return domain.PostingResult{}, postgres.MapError(err, "insert posting")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PostingResult{}, postgres.MapError(err, "commit posting")
	}

	return domain.PostingResult{Account: acc, Applied: eff.applied}, nil
}

func (r *PostgresRepository) postedKinds(ctx context.Context, tx pgx.Tx, transactionID, accountID string) (map[domain.PostingKind]bool, error) {
	rows, err := tx.Query(ctx,
		`SELECT kind FROM ledger_postings WHERE transaction_id = $1 AND account_id = $2`,
		transactionID, accountID)
	if err != nil {
		return nil, postgres.MapError(err, "load postings")
	}
	defer rows.Close()

	posted := make(map[domain.PostingKind]bool)
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, postgres.MapError(err, "scan posting")
		}
		posted[domain.PostingKind(kind)] = true
	}
	return posted, postgres.MapError(rows.Err(), "load postings")
}

// ListPostings retorna o journal de uma transação
func (r *PostgresRepository) ListPostings(ctx context.Context, transactionID string) ([]domain.Posting, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT transaction_id, account_id, currency, kind, amount, created_at
		FROM ledger_postings
		WHERE transaction_id = $1
		ORDER BY id
	`, transactionID)
	if err != nil {
		return nil, postgres.MapError(err, "list postings")
	}
	defer rows.Close()

	var postings []domain.Posting
	for rows.Next() {
		var p domain.Posting
		var kind string
		if err := rows.Scan(&p.TransactionID, &p.AccountID, &p.Currency, &kind, &p.Amount, &p.CreatedAt); err != nil {
			return nil, postgres.MapError(err, "scan posting")
		}
		p.Kind = domain.PostingKind(kind)
		postings = append(postings, p)
	}
	return postings, postgres.MapError(rows.Err(), "list postings")
}
