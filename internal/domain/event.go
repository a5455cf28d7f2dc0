package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names what happened.
type EventType string

const (
	EventTransferInitiated  EventType = "transfer.initiated"
	EventTransferLocked     EventType = "transfer.locked"
	EventTransferCredited   EventType = "transfer.credited"
	EventTransferValidated  EventType = "transfer.validated"
	EventTransferCompleted  EventType = "transfer.completed"
	EventTransferFailed     EventType = "transfer.failed"
	EventTransferRolledBack EventType = "transfer.rolled_back"
	EventLockExpired        EventType = "lock.expired"
	EventAccountOpened      EventType = "account.opened"
	EventAccountFrozen      EventType = "account.frozen"
)

// Event is published on the outbound bus. Observers never feed back into the
// transfer outcome.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TransactionID string          `json:"transaction_id,omitempty"`
	AccountID     string          `json:"account_id,omitempty"`
	ReceiverID    string          `json:"receiver_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	State         string          `json:"state,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Duration      time.Duration   `json:"duration,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Publisher is the port the core uses to emit events.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
