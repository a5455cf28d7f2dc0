// Package ledger owns per-account balances and the five posting primitives
// the transfer protocol is built from.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/cache"
	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// Ledger encapsula a lógica de negócio dos saldos
type Ledger struct {
	repository Repository
	cache      cache.Cache
	publisher  domain.Publisher
	logger     *zap.Logger
}

// Option configura o Ledger
type Option func(*Ledger)

// WithCache enables read-through balance lookups.
func WithCache(c cache.Cache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithPublisher emits account lifecycle events.
func WithPublisher(p domain.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger cria uma nova instância do caso de uso
func NewLedger(repository Repository, opts ...Option) *Ledger {
	l := &Ledger{
		repository: repository,
		cache:      cache.Noop{},
		publisher:  domain.NopPublisher{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenAccount is the registration hook: it creates the (account, currency)
// pair with an opening balance.
func (l *Ledger) OpenAccount(ctx context.Context, accountID, currency string, opening decimal.Decimal) (*domain.Account, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if accountID == "" || currency == "" {
		return nil, fmt.Errorf("%w: account id and currency are required", domain.ErrValidation)
	}
	if opening.IsNegative() || !domain.WithinScale(opening) {
		return nil, fmt.Errorf("%w: opening balance must be non-negative with at most %d decimal places", domain.ErrValidation, domain.AmountScale)
	}

	account := domain.NewAccount(accountID, currency, opening)
	if err := l.repository.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	l.logger.Info("[ACCOUNT] opened",
		zap.String("account_id", accountID),
		zap.String("currency", currency),
		zap.String("opening", opening.String()))

	l.publisher.Publish(domain.Event{
		ID:         uuid.NewString(),
		Type:       domain.EventAccountOpened,
		AccountID:  accountID,
		Amount:     opening,
		Currency:   currency,
		OccurredAt: time.Now().UTC(),
	})
	return account, nil
}

// FreezeAccount blocks new debits and credits. Compensating postings still
// apply to a frozen account.
func (l *Ledger) FreezeAccount(ctx context.Context, accountID, currency string, frozen bool) (*domain.Account, error) {
	account, err := l.repository.SetFrozen(ctx, accountID, currency, frozen)
	if err != nil {
		return nil, err
	}
	if err := l.cache.InvalidateAccount(ctx, accountID, currency); err != nil {
		l.logger.Warn("[ACCOUNT] cache invalidation failed", zap.String("account_id", accountID), zap.Error(err))
	}

	if frozen {
		l.publisher.Publish(domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventAccountFrozen,
			AccountID:  accountID,
			Currency:   currency,
			OccurredAt: time.Now().UTC(),
		})
	}
	return account, nil
}

// GetBalance returns the account snapshot, served from the cache when fresh.
func (l *Ledger) GetBalance(ctx context.Context, accountID, currency string) (*domain.Account, error) {
	cached, gen, hit := l.cache.GetAccount(ctx, accountID, currency)
	if hit {
		return cached, nil
	}

	account, err := l.repository.GetAccount(ctx, accountID, currency)
	if err != nil {
		return nil, err
	}
	l.cache.SetAccount(ctx, account, gen)
	return account, nil
}

// DebitLocked moves amount from available to locked.
func (l *Ledger) DebitLocked(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, "[DEBIT]", domain.Posting{
		TransactionID: txID, AccountID: accountID, Currency: currency,
		Kind: domain.PostingDebitLock, Amount: amount,
	})
}

// CreditAvailable adds amount to available. This is the optimistic credit
// the protocol reverses when the transfer fails.
func (l *Ledger) CreditAvailable(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, "[CREDIT]", domain.Posting{
		TransactionID: txID, AccountID: accountID, Currency: currency,
		Kind: domain.PostingCredit, Amount: amount,
	})
}

// FinalizeDebit settles the locked funds of a completed transfer.
func (l *Ledger) FinalizeDebit(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, "[FINALIZE]", domain.Posting{
		TransactionID: txID, AccountID: accountID, Currency: currency,
		Kind: domain.PostingFinalize, Amount: amount,
	})
}

// RollbackDebit returns locked funds to available. No-op when the debit was
// never applied.
func (l *Ledger) RollbackDebit(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, "[COMPENSATE]", domain.Posting{
		TransactionID: txID, AccountID: accountID, Currency: currency,
		Kind: domain.PostingReleaseDebit, Amount: amount,
	})
}

// RollbackCredit removes an optimistic credit. No-op when the credit was never
// applied; ProtocolViolation when the receiver already spent it.
func (l *Ledger) RollbackCredit(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error) {
	return l.apply(ctx, "[COMPENSATE]", domain.Posting{
		TransactionID: txID, AccountID: accountID, Currency: currency,
		Kind: domain.PostingReverseCredit, Amount: amount,
	})
}

// Postings returns the journal of one transaction.
func (l *Ledger) Postings(ctx context.Context, txID string) ([]domain.Posting, error) {
	return l.repository.ListPostings(ctx, txID)
}

func (l *Ledger) apply(ctx context.Context, phase string, p domain.Posting) (*domain.Account, error) {
	if p.TransactionID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", domain.ErrValidation)
	}
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than 0", domain.ErrValidation)
	}
	if !domain.WithinScale(p.Amount) {
		return nil, fmt.Errorf("%w: amount has more than %d decimal places", domain.ErrValidation, domain.AmountScale)
	}

	result, err := l.repository.Apply(ctx, p)
	if err != nil {
		l.logger.Warn(phase+" posting rejected",
			zap.String("transaction_id", p.TransactionID),
			zap.String("account_id", p.AccountID),
			zap.String("kind", string(p.Kind)),
			zap.Error(err))
		return nil, err
	}

	// A invalidação acontece antes de retornar sucesso
	if err := l.cache.InvalidateAccount(ctx, p.AccountID, p.Currency); err != nil {
		l.logger.Warn(phase+" cache invalidation failed", zap.String("account_id", p.AccountID), zap.Error(err))
	}

	if result.Applied {
		l.logger.Debug(phase+" posting applied",
			zap.String("transaction_id", p.TransactionID),
			zap.String("account_id", p.AccountID),
			zap.String("kind", string(p.Kind)),
			zap.String("amount", p.Amount.String()))
	} else {
		l.logger.Debug(phase+" posting skipped",
			zap.String("transaction_id", p.TransactionID),
			zap.String("kind", string(p.Kind)))
	}
	return result.Account, nil
}
