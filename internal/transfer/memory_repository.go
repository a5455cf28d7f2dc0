package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// MemoryRepository guarda transações em memória
type MemoryRepository struct {
	mu  sync.RWMutex
	txs map[string]*domain.Transaction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{txs: make(map[string]*domain.Transaction)}
}

func (r *MemoryRepository) Create(_ context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.txs[tx.TransactionID]; ok {
		snapshot := *existing
		return &snapshot, false, nil
	}
	stored := *tx
	r.txs[tx.TransactionID] = &stored

	snapshot := stored
	return &snapshot, true, nil
}

func (r *MemoryRepository) Get(_ context.Context, transactionID string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, transactionID)
	}
	snapshot := *tx
	return &snapshot, nil
}

func (r *MemoryRepository) Update(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.txs[tx.TransactionID]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, tx.TransactionID)
	}
	if stored.State.IsTerminal() {
		return fmt.Errorf("%w: transaction %s is already %s", domain.ErrProtocolViolation, tx.TransactionID, stored.State)
	}

	stored.State = tx.State
	stored.LockID = tx.LockID
	stored.FailureReason = tx.FailureReason
	stored.UpdatedAt = time.Now().UTC()
	tx.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRepository) ListStale(_ context.Context, before time.Time, limit int) ([]*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range r.txs {
		if tx.State.IsTerminal() || tx.UpdatedAt.After(before) {
			continue
		}
		snapshot := *tx
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
