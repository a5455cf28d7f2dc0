package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/keymutex"
)

type memoryAccount struct {
	account domain.Account
	// postings por transação
	postings map[string]map[domain.PostingKind]domain.Posting
}

// MemoryRepository implementa Repository em memória. The map lock only
// guards account registration; balance changes run under a per-account mutex.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	locker   keymutex.Locker

	journalMu sync.Mutex
	journal   map[string][]domain.Posting
}

// NewMemoryRepository cria uma nova instância de MemoryRepository
func NewMemoryRepository(locker keymutex.Locker) *MemoryRepository {
	if locker == nil {
		locker = keymutex.NewLocal()
	}
	return &MemoryRepository{
		accounts: make(map[string]*memoryAccount),
		locker:   locker,
		journal:  make(map[string][]domain.Posting),
	}
}

func (r *MemoryRepository) lookup(accountID, currency string) (*memoryAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[domain.AccountKey(accountID, currency)]
	if !ok {
		return nil, fmt.Errorf("%w: account %s/%s", domain.ErrNotFound, accountID, currency)
	}
	return acc, nil
}

// CreateAccount registra a conta
func (r *MemoryRepository) CreateAccount(_ context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := account.Key()
	if _, exists := r.accounts[key]; exists {
		return fmt.Errorf("%w: account %s already registered", domain.ErrValidation, key)
	}
	r.accounts[key] = &memoryAccount{
		account:  *account,
		postings: make(map[string]map[domain.PostingKind]domain.Posting),
	}
	return nil
}

// GetAccount returns a copy taken under the account mutex.
func (r *MemoryRepository) GetAccount(ctx context.Context, accountID, currency string) (*domain.Account, error) {
	acc, err := r.lookup(accountID, currency)
	if err != nil {
		return nil, err
	}

	unlock, err := r.locker.Lock(ctx, domain.AccountKey(accountID, currency))
	if err != nil {
		return nil, err
	}
	defer unlock()

	snapshot := acc.account
	return &snapshot, nil
}

// SetFrozen atualiza a flag de congelamento
func (r *MemoryRepository) SetFrozen(ctx context.Context, accountID, currency string, frozen bool) (*domain.Account, error) {
	acc, err := r.lookup(accountID, currency)
	if err != nil {
		return nil, err
	}

	unlock, err := r.locker.Lock(ctx, domain.AccountKey(accountID, currency))
	if err != nil {
		return nil, err
	}
	defer unlock()

	acc.account.Frozen = frozen
	acc.account.LastUpdated = time.Now().UTC()
	snapshot := acc.account
	return &snapshot, nil
}

// Apply executa um posting de forma atômica por conta
func (r *MemoryRepository) Apply(ctx context.Context, p domain.Posting) (domain.PostingResult, error) {
	acc, err := r.lookup(p.AccountID, p.Currency)
	if err != nil {
		return domain.PostingResult{}, err
	}

	unlock, err := r.locker.Lock(ctx, domain.AccountKey(p.AccountID, p.Currency))
	if err != nil {
		return domain.PostingResult{}, err
	}
	defer unlock()

	posted := make(map[domain.PostingKind]bool)
	for kind := range acc.postings[p.TransactionID] {
		posted[kind] = true
	}

	eff, err := plan(&acc.account, posted, p)
	if err != nil {
		return domain.PostingResult{}, err
	}

	if eff.applied {
		acc.account.Available = eff.available
		acc.account.Locked = eff.locked
		acc.account.LastUpdated = time.Now().UTC()
	}

	if eff.journal {
		entry := p
		entry.Amount = eff.amount
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		if acc.postings[p.TransactionID] == nil {
			acc.postings[p.TransactionID] = make(map[domain.PostingKind]domain.Posting)
		}
		acc.postings[p.TransactionID][p.Kind] = entry

		r.journalMu.Lock()
		r.journal[p.TransactionID] = append(r.journal[p.TransactionID], entry)
		r.journalMu.Unlock()
	}

	snapshot := acc.account
	return domain.PostingResult{Account: &snapshot, Applied: eff.applied}, nil
}

// ListPostings retorna o journal de uma transação
func (r *MemoryRepository) ListPostings(_ context.Context, transactionID string) ([]domain.Posting, error) {
	r.journalMu.Lock()
	defer r.journalMu.Unlock()

	out := make([]domain.Posting, len(r.journal[transactionID]))
	copy(out, r.journal[transactionID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
