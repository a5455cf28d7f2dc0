package transfer

import (
	"context"
	"time"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// Repository persiste o registro de auditoria das transações
type Repository interface {
	// Create stores tx unless its ID is already known. It returns the stored
	// record and whether this call created it.
	Create(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error)

	Get(ctx context.Context, transactionID string) (*domain.Transaction, error)

	// Update writes state, lock and failure reason. Terminal records are
	// append-only: updating one fails with domain.ErrProtocolViolation.
	Update(ctx context.Context, tx *domain.Transaction) error

	// ListStale returns non-terminal transactions last updated at or before
	// the cutoff, oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Transaction, error)
}
