package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// effect is the outcome of planning a posting against an account snapshot.
type effect struct {
	available decimal.Decimal
	locked    decimal.Decimal
	// journal records the posting. Reversals with nothing to reverse are
	// journaled as zero-amount tombstones so a late forward step is refused.
	journal bool
	// applied means balances change.
	applied bool
	amount  decimal.Decimal
}

// plan decides what a posting does given the kinds already journaled for the
// same (transaction, account). Stores call it while holding the account
// exclusively, so the check and the write form one atomic unit.
func plan(acc *domain.Account, posted map[domain.PostingKind]bool, p domain.Posting) (effect, error) {
	eff := effect{available: acc.Available, locked: acc.Locked, amount: p.Amount}

	if posted[p.Kind] {
		return eff, nil
	}

	if original, ok := p.Kind.Reverses(); ok && !posted[original] {
		eff.journal = true
		eff.amount = decimal.Zero
		return eff, nil
	}

	switch p.Kind {
	case domain.PostingDebitLock:
		if acc.Frozen {
			return eff, fmt.Errorf("%w: account %s is frozen", domain.ErrValidation, acc.AccountID)
		}
		if posted[domain.PostingReleaseDebit] {
			return eff, fmt.Errorf("%w: debit for transaction %s arrived after its release", domain.ErrProtocolViolation, p.TransactionID)
		}
		if acc.Available.LessThan(p.Amount) {
			return eff, fmt.Errorf("%w: available=%s, required=%s", domain.ErrInsufficientFunds, acc.Available, p.Amount)
		}
		eff.available = acc.Available.Sub(p.Amount)
		eff.locked = acc.Locked.Add(p.Amount)

	case domain.PostingCredit:
		if acc.Frozen {
			return eff, fmt.Errorf("%w: account %s is frozen", domain.ErrValidation, acc.AccountID)
		}
		if posted[domain.PostingReverseCredit] {
			return eff, fmt.Errorf("%w: credit for transaction %s arrived after its reversal", domain.ErrProtocolViolation, p.TransactionID)
		}
		eff.available = acc.Available.Add(p.Amount)

	case domain.PostingFinalize:
		if !posted[domain.PostingDebitLock] || posted[domain.PostingReleaseDebit] {
			return eff, fmt.Errorf("%w: nothing locked to finalize for transaction %s", domain.ErrProtocolViolation, p.TransactionID)
		}
		if acc.Locked.LessThan(p.Amount) {
			return eff, fmt.Errorf("%w: locked=%s below settlement %s", domain.ErrProtocolViolation, acc.Locked, p.Amount)
		}
		eff.locked = acc.Locked.Sub(p.Amount)

	case domain.PostingReleaseDebit:
		if posted[domain.PostingFinalize] {
			return eff, fmt.Errorf("%w: transaction %s already settled", domain.ErrProtocolViolation, p.TransactionID)
		}
		if acc.Locked.LessThan(p.Amount) {
			return eff, fmt.Errorf("%w: locked=%s below release %s", domain.ErrProtocolViolation, acc.Locked, p.Amount)
		}
		eff.locked = acc.Locked.Sub(p.Amount)
		eff.available = acc.Available.Add(p.Amount)

	case domain.PostingReverseCredit:
		if acc.Available.LessThan(p.Amount) {
			return eff, fmt.Errorf("%w: reversing credit of %s would leave %s negative", domain.ErrProtocolViolation, p.Amount, acc.AccountID)
		}
		eff.available = acc.Available.Sub(p.Amount)

	default:
		return eff, fmt.Errorf("%w: unknown posting kind %q", domain.ErrValidation, p.Kind)
	}

	eff.journal = true
	eff.applied = true
	return eff, nil
}
