package locks

import (
	"context"
	"time"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// Repository define as operações de persistência de locks
type Repository interface {
	// Insert stores a new pending lock. A second pending lock for the same
	// account fails with domain.ErrSequentialViolation.
	Insert(ctx context.Context, lock *domain.Lock) error

	Get(ctx context.Context, lockID string) (*domain.Lock, error)
	GetByTransaction(ctx context.Context, transactionID string) (*domain.Lock, error)

	// GetPending returns the pending lock of an account or domain.ErrNotFound.
	GetPending(ctx context.Context, accountID string) (*domain.Lock, error)

	// Transition is a compare-and-set on the lock state. It returns the lock
	// as stored after the call and whether this call changed it.
	Transition(ctx context.Context, lockID string, from, to domain.LockState) (*domain.Lock, bool, error)

	// ListExpired returns pending locks whose ExpiresAt is not after now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Lock, error)
}
