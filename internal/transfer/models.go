package transfer

import (
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// TransferRequest representa o payload de uma transferência
type TransferRequest struct {
	// TransactionID is optional; when set, resubmitting the same request
	// returns the existing transaction.
	TransactionID string          `json:"transaction_id,omitempty"`
	SenderID      string          `json:"sender_id" binding:"required"`
	ReceiverID    string          `json:"receiver_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"required"`
}

func (r TransferRequest) matches(tx *domain.Transaction) bool {
	return tx.SenderID == r.SenderID &&
		tx.ReceiverID == r.ReceiverID &&
		tx.Currency == r.Currency &&
		tx.Amount.Equal(r.Amount)
}
