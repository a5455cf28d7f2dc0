package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LockState representa os possíveis estados de um lock
type LockState string

const (
	LockStatePending   LockState = "pending"
	LockStateCompleted LockState = "completed"
	LockStateExpired   LockState = "expired"
	LockStateFailed    LockState = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s LockState) IsTerminal() bool {
	return s != LockStatePending
}

// Lock is a reservation against one account for one in-flight transaction.
type Lock struct {
	LockID        string          `json:"lock_id"`
	AccountID     string          `json:"account_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	State         LockState       `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsExpiredAt reports whether a pending lock has outlived its TTL.
func (l *Lock) IsExpiredAt(now time.Time) bool {
	return l.State == LockStatePending && !now.Before(l.ExpiresAt)
}
