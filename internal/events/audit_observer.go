package events

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// AuditEvent is one row of the append-only transfer audit trail.
type AuditEvent struct {
	ID            uint   `gorm:"primaryKey"`
	EventID       string `gorm:"uniqueIndex;size:64"`
	Type          string `gorm:"index;size:64"`
	TransactionID string `gorm:"index;size:128"`
	AccountID     string `gorm:"size:128"`
	ReceiverID    string `gorm:"size:128"`
	Amount        string `gorm:"type:numeric(38,8)"`
	Currency      string `gorm:"size:16"`
	State         string `gorm:"size:32"`
	Reason        string
	DurationMs    int64
	OccurredAt    time.Time `gorm:"index"`
}

func (AuditEvent) TableName() string { return "transfer_audit_events" }

// AuditObserver grava eventos no Postgres via gorm
type AuditObserver struct {
	db *gorm.DB
}

func NewAuditObserver(db *gorm.DB) *AuditObserver {
	return &AuditObserver{db: db}
}

// Migrate creates the audit table.
func (o *AuditObserver) Migrate(ctx context.Context) error {
	return o.db.WithContext(ctx).AutoMigrate(&AuditEvent{})
}

func (o *AuditObserver) Name() string { return "audit" }

func (o *AuditObserver) Handle(ctx context.Context, e domain.Event) error {
	row := AuditEvent{
		EventID:       e.ID,
		Type:          string(e.Type),
		TransactionID: e.TransactionID,
		AccountID:     e.AccountID,
		ReceiverID:    e.ReceiverID,
		Amount:        e.Amount.String(),
		Currency:      e.Currency,
		State:         e.State,
		Reason:        e.Reason,
		DurationMs:    e.Duration.Milliseconds(),
		OccurredAt:    e.OccurredAt,
	}
	return o.db.WithContext(ctx).Create(&row).Error
}

// ListByTransaction returns the audit trail of one transfer, oldest first.
func (o *AuditObserver) ListByTransaction(ctx context.Context, transactionID string) ([]AuditEvent, error) {
	var rows []AuditEvent
	err := o.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id").
		Find(&rows).Error
	return rows, err
}
