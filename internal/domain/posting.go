package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PostingKind identifies one ledger primitive.
type PostingKind string

const (
	// PostingDebitLock moves funds from available to locked.
	PostingDebitLock PostingKind = "debit_lock"
	// PostingCredit is the optimistic receiver credit.
	PostingCredit PostingKind = "credit"
	// PostingFinalize settles the sender's locked funds.
	PostingFinalize PostingKind = "finalize"
	// PostingReleaseDebit reverses PostingDebitLock.
	PostingReleaseDebit PostingKind = "release_debit"
	// PostingReverseCredit reverses PostingCredit.
	PostingReverseCredit PostingKind = "reverse_credit"
)

// Reverses returns the kind this posting compensates, if any.
func (k PostingKind) Reverses() (PostingKind, bool) {
	switch k {
	case PostingReleaseDebit:
		return PostingDebitLock, true
	case PostingReverseCredit:
		return PostingCredit, true
	}
	return "", false
}

// Posting is one journal line. The store applies it at most once per
// (TransactionID, AccountID, Kind).
type Posting struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Currency      string          `json:"currency"`
	Kind          PostingKind     `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PostingResult tells the caller what the store did with a posting.
type PostingResult struct {
	Account *Account
	// Applied is false when the posting was a replay or when a reversal had
	// nothing to reverse.
	Applied bool
}
