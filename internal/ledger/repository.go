package ledger

import (
	"context"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// Repository define as operações de persistência do ledger
type Repository interface {
	// CreateAccount registers a new (accountID, currency) pair.
	CreateAccount(ctx context.Context, account *domain.Account) error

	// GetAccount returns a consistent snapshot or domain.ErrNotFound.
	GetAccount(ctx context.Context, accountID, currency string) (*domain.Account, error)

	// SetFrozen flips the frozen flag.
	SetFrozen(ctx context.Context, accountID, currency string, frozen bool) (*domain.Account, error)

	// Apply executes one posting as an atomic unit relative to every other
	// operation on the same account, at most once per (tx, account, kind).
	Apply(ctx context.Context, posting domain.Posting) (domain.PostingResult, error)

	// ListPostings returns the journal of one transaction.
	ListPostings(ctx context.Context, transactionID string) ([]domain.Posting, error)
}
