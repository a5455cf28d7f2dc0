// Package cache holds the read-through cache used for balance and
// pending-lock lookups. It is a latency optimization and never authoritative.
package cache

import (
	"context"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// Generation is the invalidation count a reader saw on a miss. A write-back
// carrying an older Generation is dropped, so a snapshot read before a
// mutation is never cached after that mutation's invalidation.
type Generation int64

// NoFill marks a miss whose generation is unknown; writing it back is a no-op.
const NoFill Generation = -1

// Cache is the port the ledger and the lock manager read through.
type Cache interface {
	GetAccount(ctx context.Context, accountID, currency string) (account *domain.Account, gen Generation, hit bool)
	SetAccount(ctx context.Context, account *domain.Account, gen Generation)
	InvalidateAccount(ctx context.Context, accountID, currency string) error

	GetPendingLock(ctx context.Context, accountID string) (pending bool, gen Generation, hit bool)
	SetPendingLock(ctx context.Context, accountID string, pending bool, gen Generation)
	InvalidatePendingLock(ctx context.Context, accountID string) error
}

// Noop never hits.
type Noop struct{}

func (Noop) GetAccount(context.Context, string, string) (*domain.Account, Generation, bool) {
	return nil, NoFill, false
}
func (Noop) SetAccount(context.Context, *domain.Account, Generation)  {}
func (Noop) InvalidateAccount(context.Context, string, string) error { return nil }
func (Noop) GetPendingLock(context.Context, string) (bool, Generation, bool) {
	return false, NoFill, false
}
func (Noop) SetPendingLock(context.Context, string, bool, Generation) {}
func (Noop) InvalidatePendingLock(context.Context, string) error      { return nil }
