package locks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// MemoryRepository guarda locks em memória
type MemoryRepository struct {
	mu        sync.RWMutex
	byID      map[string]*domain.Lock
	byTx      map[string]string
	pendingBy map[string]string
}

// NewMemoryRepository cria uma nova instância de MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[string]*domain.Lock),
		byTx:      make(map[string]string),
		pendingBy: make(map[string]string),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, lock *domain.Lock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTx[lock.TransactionID]; exists {
		return fmt.Errorf("%w: transaction %s already holds a lock", domain.ErrSequentialViolation, lock.TransactionID)
	}
	if lock.State == domain.LockStatePending {
		if _, exists := r.pendingBy[lock.AccountID]; exists {
			return fmt.Errorf("%w: account %s", domain.ErrSequentialViolation, lock.AccountID)
		}
		r.pendingBy[lock.AccountID] = lock.LockID
	}

	stored := *lock
	r.byID[lock.LockID] = &stored
	r.byTx[lock.TransactionID] = lock.LockID
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, lockID string) (*domain.Lock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lock, ok := r.byID[lockID]
	if !ok {
		return nil, fmt.Errorf("%w: lock %s", domain.ErrNotFound, lockID)
	}
	snapshot := *lock
	return &snapshot, nil
}

func (r *MemoryRepository) GetByTransaction(ctx context.Context, transactionID string) (*domain.Lock, error) {
	r.mu.RLock()
	lockID, ok := r.byTx[transactionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: lock for transaction %s", domain.ErrNotFound, transactionID)
	}
	return r.Get(ctx, lockID)
}

func (r *MemoryRepository) GetPending(ctx context.Context, accountID string) (*domain.Lock, error) {
	r.mu.RLock()
	lockID, ok := r.pendingBy[accountID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: pending lock for account %s", domain.ErrNotFound, accountID)
	}
	return r.Get(ctx, lockID)
}

func (r *MemoryRepository) Transition(_ context.Context, lockID string, from, to domain.LockState) (*domain.Lock, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.byID[lockID]
	if !ok {
		return nil, false, fmt.Errorf("%w: lock %s", domain.ErrNotFound, lockID)
	}
	if lock.State != from {
		snapshot := *lock
		return &snapshot, false, nil
	}

	lock.State = to
	lock.UpdatedAt = time.Now().UTC()
	if from == domain.LockStatePending && r.pendingBy[lock.AccountID] == lockID {
		delete(r.pendingBy, lock.AccountID)
	}

	snapshot := *lock
	return &snapshot, true, nil
}

func (r *MemoryRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.Lock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*domain.Lock
	for _, lockID := range r.pendingBy {
		lock := r.byID[lockID]
		if lock.IsExpiredAt(now) {
			snapshot := *lock
			expired = append(expired, &snapshot)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}
