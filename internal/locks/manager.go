// Package locks enforces the sequential constraint: an account holds at most
// one pending lock, and every lock leaves pending exactly once.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/cache"
	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/keymutex"
)

const sweepBatch = 100

// ExpiryHandler compensates the transaction behind a lock that expired.
type ExpiryHandler interface {
	HandleExpiredLock(ctx context.Context, lock *domain.Lock) error
}

// Manager gerencia o ciclo de vida dos locks
type Manager struct {
	repository Repository
	locker     keymutex.Locker
	cache      cache.Cache
	publisher  domain.Publisher
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string

	mu      sync.RWMutex
	handler ExpiryHandler
}

// Option configura o Manager
type Option func(*Manager)

func WithCache(c cache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

func WithPublisher(p domain.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLocker swaps the in-process keyed mutex, e.g. for keymutex.Redis.
func WithLocker(locker keymutex.Locker) Option {
	return func(m *Manager) { m.locker = locker }
}

// NewManager cria o gerenciador de locks
func NewManager(repository Repository, opts ...Option) (*Manager, error) {
	gen, err := nanoid.Standard(21)
	if err != nil {
		return nil, fmt.Errorf("creating lock id generator: %w", err)
	}

	m := &Manager{
		repository: repository,
		locker:     keymutex.NewLocal(),
		cache:      cache.Noop{},
		publisher:  domain.NopPublisher{},
		logger:     zap.NewNop(),
		now:        time.Now,
		newID:      gen,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetExpiryHandler registers who compensates expired locks.
func (m *Manager) SetExpiryHandler(h ExpiryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Manager) expiryHandler() ExpiryHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

func accountMutexKey(accountID string) string {
	return "lock:" + accountID
}

// CreateLock reserves the account for txID. Replaying a known txID returns
// the lock it already holds.
func (m *Manager) CreateLock(ctx context.Context, accountID, currency string, amount decimal.Decimal, txID string, ttl time.Duration) (*domain.Lock, error) {
	if accountID == "" || txID == "" {
		return nil, fmt.Errorf("%w: account and transaction are required", domain.ErrValidation)
	}
	if !amount.IsPositive() || !domain.WithinScale(amount) {
		return nil, fmt.Errorf("%w: lock amount must be greater than 0 with at most %d decimal places", domain.ErrValidation, domain.AmountScale)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: lock ttl must be positive", domain.ErrValidation)
	}

	unlock, err := m.locker.Lock(ctx, accountMutexKey(accountID))
	if err != nil {
		return nil, err
	}

	lock, stale, err := m.createLocked(ctx, accountID, currency, amount, txID, ttl)
	unlock()

	// A compensação do lock vencido roda antes do novo lock ser devolvido
	if stale != nil {
		m.invalidate(ctx, accountID)
		m.onExpired(ctx, stale)
	}
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, accountID)
	return lock, nil
}

func (m *Manager) createLocked(ctx context.Context, accountID, currency string, amount decimal.Decimal, txID string, ttl time.Duration) (*domain.Lock, *domain.Lock, error) {
	existing, err := m.repository.GetByTransaction(ctx, txID)
	switch {
	case err == nil:
		if existing.AccountID != accountID || !existing.Amount.Equal(amount) {
			return nil, nil, fmt.Errorf("%w: transaction %s already locked a different account or amount", domain.ErrValidation, txID)
		}
		m.logger.Info("[LOCK] replay returns existing lock", zap.String("transaction_id", txID), zap.String("lock_id", existing.LockID))
		return existing, nil, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, nil, err
	}

	now := m.now()
	var stale *domain.Lock

	pending, err := m.repository.GetPending(ctx, accountID)
	switch {
	case err == nil:
		if !pending.IsExpiredAt(now) {
			m.logger.Info("[LOCK] sequential violation",
				zap.String("account_id", accountID),
				zap.String("pending_transaction_id", pending.TransactionID),
				zap.String("transaction_id", txID))
			return nil, nil, fmt.Errorf("%w: account %s", domain.ErrSequentialViolation, accountID)
		}
		expired, changed, err := m.repository.Transition(ctx, pending.LockID, domain.LockStatePending, domain.LockStateExpired)
		if err != nil {
			return nil, nil, err
		}
		if changed {
			stale = expired
		} else if expired.State == domain.LockStatePending {
			return nil, nil, fmt.Errorf("%w: account %s", domain.ErrSequentialViolation, accountID)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, nil, err
	}

	lock := &domain.Lock{
		LockID:        m.newID(),
		AccountID:     accountID,
		Currency:      currency,
		Amount:        amount,
		TransactionID: txID,
		State:         domain.LockStatePending,
		CreatedAt:     now.UTC(),
		ExpiresAt:     now.Add(ttl).UTC(),
		UpdatedAt:     now.UTC(),
	}
	if err := m.repository.Insert(ctx, lock); err != nil {
		return nil, stale, err
	}

	m.logger.Info("🔒 [LOCK] created",
		zap.String("lock_id", lock.LockID),
		zap.String("account_id", accountID),
		zap.String("transaction_id", txID),
		zap.Time("expires_at", lock.ExpiresAt))
	return lock, stale, nil
}

// Complete moves a pending lock to completed. A lock already past its TTL is
// expired instead and ErrLockExpired is returned; the caller compensates. On a
// terminal lock Complete is a no-op returning the lock as stored.
func (m *Manager) Complete(ctx context.Context, lockID string) (*domain.Lock, error) {
	current, err := m.repository.Get(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if current.State.IsTerminal() {
		return current, nil
	}

	if current.IsExpiredAt(m.now()) {
		expired, changed, err := m.repository.Transition(ctx, lockID, domain.LockStatePending, domain.LockStateExpired)
		if err != nil {
			return nil, err
		}
		if changed {
			m.invalidate(ctx, expired.AccountID)
			m.publishExpired(expired)
			return expired, fmt.Errorf("%w: lock %s", domain.ErrLockExpired, lockID)
		}
		return expired, nil
	}

	return m.transition(ctx, lockID, domain.LockStateCompleted)
}

// Fail moves a pending lock to failed. No-op on a terminal lock.
func (m *Manager) Fail(ctx context.Context, lockID string) (*domain.Lock, error) {
	return m.transition(ctx, lockID, domain.LockStateFailed)
}

func (m *Manager) transition(ctx context.Context, lockID string, to domain.LockState) (*domain.Lock, error) {
	lock, changed, err := m.repository.Transition(ctx, lockID, domain.LockStatePending, to)
	if err != nil {
		return nil, err
	}
	if changed {
		m.invalidate(ctx, lock.AccountID)
		m.logger.Info("[LOCK] released",
			zap.String("lock_id", lockID),
			zap.String("state", string(to)),
			zap.String("transaction_id", lock.TransactionID))
	}
	return lock, nil
}

func (m *Manager) Get(ctx context.Context, lockID string) (*domain.Lock, error) {
	return m.repository.Get(ctx, lockID)
}

func (m *Manager) GetByTransaction(ctx context.Context, txID string) (*domain.Lock, error) {
	return m.repository.GetByTransaction(ctx, txID)
}

// HasPendingLock is a read-through lookup. It is advisory; CreateLock always
// checks the store.
func (m *Manager) HasPendingLock(ctx context.Context, accountID string) (bool, error) {
	cached, gen, hit := m.cache.GetPendingLock(ctx, accountID)
	if hit {
		return cached, nil
	}

	lock, err := m.repository.GetPending(ctx, accountID)
	pending := false
	switch {
	case err == nil:
		pending = !lock.IsExpiredAt(m.now())
	case !errors.Is(err, domain.ErrNotFound):
		return false, err
	}

	m.cache.SetPendingLock(ctx, accountID, pending, gen)
	return pending, nil
}

// SweepExpired expires every pending lock past its TTL and hands it to the
// expiry handler. It returns how many locks this call expired.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		candidates, err := m.repository.ListExpired(ctx, m.now(), sweepBatch)
		if err != nil {
			return total, err
		}

		expiredNow := 0
		for _, candidate := range candidates {
			lock, changed, err := m.repository.Transition(ctx, candidate.LockID, domain.LockStatePending, domain.LockStateExpired)
			if err != nil {
				return total, err
			}
			if !changed {
				continue
			}
			expiredNow++
			m.invalidate(ctx, lock.AccountID)
			m.onExpired(ctx, lock)
		}
		total += expiredNow

		if len(candidates) < sweepBatch || expiredNow == 0 {
			return total, nil
		}
	}
}

func (m *Manager) onExpired(ctx context.Context, lock *domain.Lock) {
	m.logger.Warn("⏰ [EXPIRE] lock expired",
		zap.String("lock_id", lock.LockID),
		zap.String("account_id", lock.AccountID),
		zap.String("transaction_id", lock.TransactionID))
	m.publishExpired(lock)

	h := m.expiryHandler()
	if h == nil {
		return
	}
	if err := h.HandleExpiredLock(ctx, lock); err != nil {
		m.logger.Error("[EXPIRE] compensation failed",
			zap.String("transaction_id", lock.TransactionID),
			zap.Error(err))
	}
}

func (m *Manager) publishExpired(lock *domain.Lock) {
	m.publisher.Publish(domain.Event{
		ID:            uuid.NewString(),
		Type:          domain.EventLockExpired,
		TransactionID: lock.TransactionID,
		AccountID:     lock.AccountID,
		Amount:        lock.Amount,
		Currency:      lock.Currency,
		State:         string(lock.State),
		OccurredAt:    m.now().UTC(),
	})
}

func (m *Manager) invalidate(ctx context.Context, accountID string) {
	if err := m.cache.InvalidatePendingLock(ctx, accountID); err != nil {
		m.logger.Warn("[LOCK] cache invalidation failed", zap.String("account_id", accountID), zap.Error(err))
	}
}
