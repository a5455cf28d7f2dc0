package events

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// LogObserver writes every event as a structured log line.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger.Named("events")}
}

func (o *LogObserver) Name() string { return "log" }

func (o *LogObserver) Handle(_ context.Context, e domain.Event) error {
	level := zapcore.InfoLevel
	switch e.Type {
	case domain.EventTransferFailed, domain.EventTransferRolledBack, domain.EventLockExpired:
		level = zapcore.WarnLevel
	}

	if ce := o.logger.Check(level, string(e.Type)); ce != nil {
		ce.Write(
			zap.String("event_id", e.ID),
			zap.String("transaction_id", e.TransactionID),
			zap.String("account_id", e.AccountID),
			zap.String("receiver_id", e.ReceiverID),
			zap.String("amount", e.Amount.String()),
			zap.String("currency", e.Currency),
			zap.String("state", e.State),
			zap.String("reason", e.Reason),
			zap.Duration("duration", e.Duration),
		)
	}
	return nil
}
