package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionState representa os estados do protocolo de transferência
type TransactionState string

const (
	TxStateInitiated  TransactionState = "initiated"
	TxStateLocked     TransactionState = "locked"
	TxStateCredited   TransactionState = "credited"
	TxStateValidated  TransactionState = "validated"
	TxStateCompleted  TransactionState = "completed"
	TxStateRolledBack TransactionState = "rolled_back"
	TxStateFailed     TransactionState = "failed"
)

// IsTerminal reports whether the record is frozen for audit.
func (s TransactionState) IsTerminal() bool {
	switch s {
	case TxStateCompleted, TxStateRolledBack, TxStateFailed:
		return true
	}
	return false
}

// Transaction is the audit record of one transfer attempt.
type Transaction struct {
	TransactionID string           `json:"transaction_id"`
	SenderID      string           `json:"sender_id"`
	ReceiverID    string           `json:"receiver_id"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	LockID        string           `json:"lock_id,omitempty"`
	State         TransactionState `json:"state"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// NewTransaction cria uma nova transação no estado initiated
func NewTransaction(id, senderID, receiverID string, amount decimal.Decimal, currency string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		TransactionID: id,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Amount:        amount,
		Currency:      currency,
		State:         TxStateInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Summary is what the federation peers vote on.
func (t *Transaction) Summary() Summary {
	return Summary{
		TransactionID: t.TransactionID,
		SenderID:      t.SenderID,
		ReceiverID:    t.ReceiverID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		CreatedAt:     t.CreatedAt,
	}
}

// Summary is the transaction digest sent to federation validators.
type Summary struct {
	TransactionID string          `json:"transaction_id"`
	SenderID      string          `json:"sender_id"`
	ReceiverID    string          `json:"receiver_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SameContent reports whether two summaries describe the same transfer.
func (s Summary) SameContent(other Summary) bool {
	return s.TransactionID == other.TransactionID &&
		s.SenderID == other.SenderID &&
		s.ReceiverID == other.ReceiverID &&
		s.Currency == other.Currency &&
		s.Amount.Equal(other.Amount)
}
