// Package transfer runs the Atomic Transaction Protocol: lock, debit,
// optimistic credit, federation quorum and settlement, compensating in
// reverse order when any step fails or the lock expires.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/federation"
	"github.com/matheusmosca/atp-ledger/internal/identity"
	"github.com/matheusmosca/atp-ledger/internal/keymutex"
)

// Ledger is the slice of ledger.Ledger the coordinator drives.
type Ledger interface {
	GetBalance(ctx context.Context, accountID, currency string) (*domain.Account, error)
	DebitLocked(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error)
	CreditAvailable(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error)
	FinalizeDebit(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error)
	RollbackDebit(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error)
	RollbackCredit(ctx context.Context, txID, accountID, currency string, amount decimal.Decimal) (*domain.Account, error)
	Postings(ctx context.Context, txID string) ([]domain.Posting, error)
}

// LockManager is the slice of locks.Manager the coordinator drives.
type LockManager interface {
	CreateLock(ctx context.Context, accountID, currency string, amount decimal.Decimal, txID string, ttl time.Duration) (*domain.Lock, error)
	Complete(ctx context.Context, lockID string) (*domain.Lock, error)
	Fail(ctx context.Context, lockID string) (*domain.Lock, error)
	GetByTransaction(ctx context.Context, txID string) (*domain.Lock, error)
	HasPendingLock(ctx context.Context, accountID string) (bool, error)
}

// Federation obtains quorum agreement on a transfer summary.
type Federation interface {
	Validate(ctx context.Context, summary domain.Summary) (*federation.Result, error)
}

// Config configura o coordenador
type Config struct {
	LockTTL    time.Duration
	Currencies []string
	Workers    int
	QueueSize  int
}

// Coordinator orquestra o protocolo de transferência
type Coordinator struct {
	cfg        Config
	currencies map[string]struct{}

	ledger     Ledger
	locks      LockManager
	federation Federation
	verifier   identity.Verifier
	repository Repository

	txMutex   keymutex.Locker
	ids       IDGenerator
	publisher domain.Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	pool      *pool

	completed   metric.Int64Counter
	failed      metric.Int64Counter
	compensated metric.Int64Counter
	duration    metric.Float64Histogram
}

// Option configura o Coordinator
type Option func(*Coordinator)

func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

func WithPublisher(p domain.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTxMutex serializes protocol steps and expiry compensation of the same
// transaction. Use keymutex.Redis when several instances share the stores.
func WithTxMutex(locker keymutex.Locker) Option {
	return func(c *Coordinator) { c.txMutex = locker }
}

// NewCoordinator cria o coordenador de transferências
func NewCoordinator(cfg Config, ledger Ledger, locks LockManager, fed Federation, verifier identity.Verifier, repository Repository, opts ...Option) (*Coordinator, error) {
	if cfg.LockTTL <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	c := &Coordinator{
		cfg:        cfg,
		currencies: make(map[string]struct{}, len(cfg.Currencies)),
		ledger:     ledger,
		locks:      locks,
		federation: fed,
		verifier:   verifier,
		repository: repository,
		txMutex:    keymutex.NewLocal(),
		ids:        UUIDGenerator{},
		publisher:  domain.NopPublisher{},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("transfer-coordinator"),
		now:        time.Now,
	}
	for _, cur := range cfg.Currencies {
		c.currencies[strings.ToUpper(cur)] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.verifier == nil {
		c.verifier = identity.NewStaticVerifier()
	}

	meter := otel.Meter("transfer-coordinator")
	var err error
	if c.completed, err = meter.Int64Counter("atp.transfers.completed",
		metric.WithDescription("Transfers settled")); err != nil {
		return nil, err
	}
	if c.failed, err = meter.Int64Counter("atp.transfers.failed",
		metric.WithDescription("Transfers that ended failed or rolled back")); err != nil {
		return nil, err
	}
	if c.compensated, err = meter.Int64Counter("atp.transfers.compensated",
		metric.WithDescription("Compensation runs")); err != nil {
		return nil, err
	}
	if c.duration, err = meter.Float64Histogram("atp.transfers.duration",
		metric.WithDescription("Protocol duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}

	c.pool = newPool(cfg.Workers, cfg.QueueSize, c.logger)
	return c, nil
}

// Close stops accepting async transfers and waits for queued ones.
func (c *Coordinator) Close() {
	c.pool.close()
}

// InitiateTransfer runs the protocol to a terminal state. The returned error
// carries the taxonomy code of the failure; the transaction is returned
// whenever it was recorded.
func (c *Coordinator) InitiateTransfer(ctx context.Context, req TransferRequest) (*domain.Transaction, error) {
	tx, created, err := c.admit(ctx, req)
	if err != nil {
		return tx, err
	}
	if !created && tx.State.IsTerminal() {
		return tx, terminalError(tx)
	}
	return c.run(ctx, tx.TransactionID)
}

// SubmitTransfer records the transfer and runs the protocol on the worker
// pool. Poll GetStatus for the outcome.
func (c *Coordinator) SubmitTransfer(ctx context.Context, req TransferRequest) (*domain.Transaction, error) {
	tx, created, err := c.admit(ctx, req)
	if err != nil {
		return tx, err
	}
	if tx.State.IsTerminal() {
		return tx, nil
	}

	// Uma transação já conhecida e não terminal é retomada
	txID := tx.TransactionID
	bg := context.WithoutCancel(ctx)
	accepted, err := c.pool.submit(func() {
		if _, err := c.run(bg, txID); err != nil {
			c.logger.Info("async transfer finished with error",
				zap.String("transaction_id", txID), zap.Error(err))
		}
	})
	if err == nil && accepted {
		return tx, nil
	}

	reason := "transfer queue is full"
	if err != nil {
		reason = err.Error()
	}
	cause := fmt.Errorf("%w: %s", domain.ErrStoreUnavailable, reason)
	if !created {
		return tx, cause
	}
	return c.finish(ctx, tx, domain.TxStateFailed, cause)
}

// GetStatus returns the transaction record.
func (c *Coordinator) GetStatus(ctx context.Context, txID string) (*domain.Transaction, error) {
	return c.repository.Get(ctx, txID)
}

// Postings returns the ledger journal of a transaction.
func (c *Coordinator) Postings(ctx context.Context, txID string) ([]domain.Posting, error) {
	return c.ledger.Postings(ctx, txID)
}

// GetBalance returns an account snapshot.
func (c *Coordinator) GetBalance(ctx context.Context, accountID, currency string) (*domain.Account, error) {
	return c.ledger.GetBalance(ctx, accountID, currency)
}

// admit validates the request and records the initiated transaction, or
// returns the existing record for a known transaction ID.
func (c *Coordinator) admit(ctx context.Context, req TransferRequest) (*domain.Transaction, bool, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := c.validate(req); err != nil {
		return nil, false, err
	}

	if req.TransactionID != "" {
		existing, err := c.repository.Get(ctx, req.TransactionID)
		switch {
		case err == nil:
			if !req.matches(existing) {
				return nil, false, fmt.Errorf("%w: transaction %s was submitted with different contents", domain.ErrValidation, req.TransactionID)
			}
			return existing, false, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, false, err
		}
	}

	for _, id := range []string{req.SenderID, req.ReceiverID} {
		if _, err := c.ledger.GetBalance(ctx, id, req.Currency); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, false, fmt.Errorf("%w: account %s has no %s balance", domain.ErrValidation, id, req.Currency)
			}
			return nil, false, err
		}
	}
	if err := c.verifier.Verify(ctx, req.SenderID); err != nil {
		return nil, false, err
	}

	id := req.TransactionID
	if id == "" {
		id = c.ids.NewID()
	}
	tx, created, err := c.repository.Create(ctx, domain.NewTransaction(id, req.SenderID, req.ReceiverID, req.Amount, req.Currency))
	if err != nil {
		return nil, false, err
	}
	if !created && !req.matches(tx) {
		return nil, false, fmt.Errorf("%w: transaction %s was submitted with different contents", domain.ErrValidation, id)
	}
	if created {
		c.logger.Info("🚀 [INIT] transfer initiated",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("sender_id", tx.SenderID),
			zap.String("receiver_id", tx.ReceiverID),
			zap.String("amount", tx.Amount.String()),
			zap.String("currency", tx.Currency))
		c.publish(tx, domain.EventTransferInitiated, 0)
	}
	return tx, created, nil
}

func (c *Coordinator) validate(req TransferRequest) error {
	switch {
	case req.SenderID == "" || req.ReceiverID == "":
		return fmt.Errorf("%w: sender and receiver are required", domain.ErrValidation)
	case req.SenderID == req.ReceiverID:
		return fmt.Errorf("%w: sender and receiver must differ", domain.ErrValidation)
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be greater than 0", domain.ErrValidation)
	case !domain.WithinScale(req.Amount):
		return fmt.Errorf("%w: amount has more than %d decimal places", domain.ErrValidation, domain.AmountScale)
	case req.Currency == "":
		return fmt.Errorf("%w: currency is required", domain.ErrValidation)
	}
	if len(c.currencies) > 0 {
		if _, ok := c.currencies[req.Currency]; !ok {
			return fmt.Errorf("%w: unsupported currency %s", domain.ErrValidation, req.Currency)
		}
	}
	return nil
}

// run drives one transaction forward under its mutex. Every step is
// idempotent, so a transaction left mid-flight is resumed by running again.
func (c *Coordinator) run(ctx context.Context, txID string) (*domain.Transaction, error) {
	unlock, err := c.txMutex.Lock(ctx, "tx:"+txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := c.repository.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.State.IsTerminal() {
		return tx, terminalError(tx)
	}

	ctx, span := c.tracer.Start(ctx, "transfer.InitiateTransfer", trace.WithAttributes(
		attribute.String("atp.transaction_id", tx.TransactionID),
		attribute.String("atp.sender_id", tx.SenderID),
		attribute.String("atp.receiver_id", tx.ReceiverID),
		attribute.String("atp.amount", tx.Amount.String()),
		attribute.String("atp.currency", tx.Currency),
	))
	defer span.End()

	start := time.Now()
	tx, err = c.protocol(ctx, tx)
	c.duration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("state", string(tx.State))))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.CodeOf(err))
	} else {
		span.SetStatus(codes.Ok, "transfer completed")
	}
	span.SetAttributes(attribute.String("atp.state", string(tx.State)))
	return tx, err
}

func (c *Coordinator) protocol(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx.State == domain.TxStateInitiated && tx.LockID == "" {
		sender, err := c.ledger.GetBalance(ctx, tx.SenderID, tx.Currency)
		if err != nil {
			return c.finish(ctx, tx, domain.TxStateFailed, err)
		}
		if sender.Available.LessThan(tx.Amount) {
			return c.finish(ctx, tx, domain.TxStateFailed, fmt.Errorf("%w: available=%s, required=%s",
				domain.ErrInsufficientFunds, sender.Available, tx.Amount))
		}
		// Atalho pelo cache; CreateLock continua sendo a verificação autoritativa
		if pending, err := c.locks.HasPendingLock(ctx, tx.SenderID); err == nil && pending {
			c.logger.Info("🔒 [LOCK] rejected", zap.String("transaction_id", tx.TransactionID), zap.String("reason", "sender has a pending lock"))
			return c.finish(ctx, tx, domain.TxStateFailed, fmt.Errorf("%w: account %s", domain.ErrSequentialViolation, tx.SenderID))
		}
	}

	// 1. Lock
	lock, err := c.step(ctx, "transfer.lock", func(ctx context.Context) (*domain.Lock, error) {
		return c.locks.CreateLock(ctx, tx.SenderID, tx.Currency, tx.Amount, tx.TransactionID, c.cfg.LockTTL)
	})
	if err != nil {
		c.logger.Info("🔒 [LOCK] rejected", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		return c.finish(ctx, tx, domain.TxStateFailed, err)
	}
	if tx.LockID != lock.LockID {
		tx.LockID = lock.LockID
		if err := c.repository.Update(ctx, tx); err != nil {
			return c.compensate(ctx, tx, domain.TxStateFailed, err)
		}
	}
	switch lock.State {
	case domain.LockStateExpired:
		return c.compensate(ctx, tx, domain.TxStateRolledBack, fmt.Errorf("%w: lock %s", domain.ErrLockExpired, lock.LockID))
	case domain.LockStateFailed:
		return c.compensate(ctx, tx, domain.TxStateFailed, fmt.Errorf("%w: lock %s already failed", domain.ErrProtocolViolation, lock.LockID))
	case domain.LockStateCompleted:
		return c.settle(ctx, tx)
	}

	// 2. Debit
	if _, err := c.stepLedger(ctx, "transfer.debit", func(ctx context.Context) (*domain.Account, error) {
		return c.ledger.DebitLocked(ctx, tx.TransactionID, tx.SenderID, tx.Currency, tx.Amount)
	}); err != nil {
		return c.compensate(ctx, tx, domain.TxStateFailed, err)
	}
	if err := c.advance(ctx, tx, domain.TxStateLocked, domain.EventTransferLocked); err != nil {
		return c.compensate(ctx, tx, domain.TxStateFailed, err)
	}
	c.logger.Info("💳 [DEBIT] sender funds locked", zap.String("transaction_id", tx.TransactionID), zap.String("lock_id", lock.LockID))

	// 3. Optimistic credit
	if _, err := c.stepLedger(ctx, "transfer.credit", func(ctx context.Context) (*domain.Account, error) {
		return c.ledger.CreditAvailable(ctx, tx.TransactionID, tx.ReceiverID, tx.Currency, tx.Amount)
	}); err != nil {
		return c.compensate(ctx, tx, domain.TxStateFailed, err)
	}
	if err := c.advance(ctx, tx, domain.TxStateCredited, domain.EventTransferCredited); err != nil {
		return c.compensate(ctx, tx, domain.TxStateFailed, err)
	}
	c.logger.Info("💰 [CREDIT] receiver credited", zap.String("transaction_id", tx.TransactionID))

	// 4. Federation
	fedCtx, fedSpan := c.tracer.Start(ctx, "transfer.federation")
	result, err := c.federation.Validate(fedCtx, tx.Summary())
	if result != nil {
		fedSpan.SetAttributes(attribute.Int("atp.approvals", result.Approvals), attribute.Int("atp.quorum", result.Quorum))
	}
	if err != nil {
		fedSpan.RecordError(err)
		fedSpan.SetStatus(codes.Error, domain.CodeOf(err))
	}
	fedSpan.End()
	if err != nil {
		c.logger.Warn("🛑 [FEDERATION] quorum not reached", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		return c.compensate(ctx, tx, domain.TxStateFailed, err)
	}
	if err := c.advance(ctx, tx, domain.TxStateValidated, domain.EventTransferValidated); err != nil {
		return c.compensate(ctx, tx, domain.TxStateFailed, err)
	}
	c.logger.Info("🤝 [FEDERATION] quorum reached",
		zap.String("transaction_id", tx.TransactionID),
		zap.Int("approvals", result.Approvals),
		zap.Int("quorum", result.Quorum))

	// 5. Settlement
	completed, err := c.locks.Complete(ctx, lock.LockID)
	switch {
	case errors.Is(err, domain.ErrLockExpired):
		return c.compensate(ctx, tx, domain.TxStateRolledBack, err)
	case err != nil:
		return c.compensate(ctx, tx, domain.TxStateFailed, err)
	case completed.State == domain.LockStateExpired:
		return c.compensate(ctx, tx, domain.TxStateRolledBack, fmt.Errorf("%w: lock %s", domain.ErrLockExpired, lock.LockID))
	case completed.State != domain.LockStateCompleted:
		return c.compensate(ctx, tx, domain.TxStateFailed, fmt.Errorf("%w: lock %s is %s", domain.ErrProtocolViolation, lock.LockID, completed.State))
	}
	return c.settle(ctx, tx)
}

// settle finalizes the debit of a transaction whose lock completed. The lock
// is already terminal, so a failure here leaves the transaction validated for
// a later run to finish; it never compensates.
func (c *Coordinator) settle(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if _, err := c.stepLedger(ctx, "transfer.finalize", func(ctx context.Context) (*domain.Account, error) {
		return c.ledger.FinalizeDebit(ctx, tx.TransactionID, tx.SenderID, tx.Currency, tx.Amount)
	}); err != nil {
		c.logger.Error("[FINALIZE] settlement pending", zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		return tx, err
	}

	tx.State = domain.TxStateCompleted
	tx.FailureReason = ""
	if err := c.repository.Update(ctx, tx); err != nil {
		return tx, err
	}

	c.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("currency", tx.Currency)))
	c.publish(tx, domain.EventTransferCompleted, time.Since(tx.CreatedAt))
	c.logger.Info("✅ [FINALIZE] transfer completed",
		zap.String("transaction_id", tx.TransactionID),
		zap.Duration("elapsed", time.Since(tx.CreatedAt)))
	return tx, nil
}

// compensate undoes every applied step in reverse order, then records the
// terminal state. Reversals of steps that never ran are no-ops.
func (c *Coordinator) compensate(ctx context.Context, tx *domain.Transaction, final domain.TransactionState, cause error) (*domain.Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "transfer.compensate", trace.WithAttributes(
		attribute.String("atp.transaction_id", tx.TransactionID),
		attribute.String("atp.cause", domain.CodeOf(cause)),
	))
	defer span.End()

	c.compensated.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", domain.CodeOf(cause))))
	c.logger.Warn("🔄 [COMPENSATE] rolling back transfer",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("target_state", string(final)),
		zap.Error(cause))

	if _, err := c.ledger.RollbackCredit(ctx, tx.TransactionID, tx.ReceiverID, tx.Currency, tx.Amount); err != nil {
		// Crédito já gasto: o débito continua travado até intervenção manual
		span.RecordError(err)
		c.logger.Error("❌ [COMPENSATE] credit reversal failed, sender funds stay locked",
			zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		c.failLock(ctx, tx)
		return c.finish(ctx, tx, domain.TxStateFailed, fmt.Errorf("%w: compensating %v", err, cause))
	}

	if _, err := c.ledger.RollbackDebit(ctx, tx.TransactionID, tx.SenderID, tx.Currency, tx.Amount); err != nil {
		span.RecordError(err)
		c.logger.Error("❌ [COMPENSATE] debit release failed",
			zap.String("transaction_id", tx.TransactionID), zap.Error(err))
		return tx, fmt.Errorf("%w: compensating %v", err, cause)
	}

	c.failLock(ctx, tx)
	return c.finish(ctx, tx, final, cause)
}

// failLock records the lock as failed. An already expired lock keeps its state.
func (c *Coordinator) failLock(ctx context.Context, tx *domain.Transaction) {
	if tx.LockID == "" {
		return
	}
	if _, err := c.locks.Fail(ctx, tx.LockID); err != nil {
		c.logger.Warn("[COMPENSATE] failed to release lock",
			zap.String("lock_id", tx.LockID), zap.Error(err))
	}
}

// finish records a terminal failure state.
func (c *Coordinator) finish(ctx context.Context, tx *domain.Transaction, final domain.TransactionState, cause error) (*domain.Transaction, error) {
	tx.State = final
	tx.FailureReason = failureReason(cause)
	if err := c.repository.Update(context.WithoutCancel(ctx), tx); err != nil {
		c.logger.Error("failed to record transaction outcome",
			zap.String("transaction_id", tx.TransactionID), zap.Error(err))
	}

	c.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(final)),
		attribute.String("reason", domain.CodeOf(cause)),
	))

	eventType := domain.EventTransferFailed
	if final == domain.TxStateRolledBack {
		eventType = domain.EventTransferRolledBack
	}
	c.publish(tx, eventType, time.Since(tx.CreatedAt))
	return tx, cause
}

// HandleExpiredLock compensates the transaction of a lock that outlived its
// TTL. It waits for any in-flight run of the same transaction.
func (c *Coordinator) HandleExpiredLock(ctx context.Context, lock *domain.Lock) error {
	unlock, err := c.txMutex.Lock(ctx, "tx:"+lock.TransactionID)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := c.repository.Get(ctx, lock.TransactionID)
	if err != nil {
		return err
	}
	if tx.State.IsTerminal() {
		return nil
	}
	return c.rollbackExpired(ctx, tx, lock)
}

func (c *Coordinator) rollbackExpired(ctx context.Context, tx *domain.Transaction, lock *domain.Lock) error {
	c.logger.Warn("⏰ [EXPIRE] compensating expired transfer",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("lock_id", lock.LockID),
		zap.String("state", string(tx.State)))
	if tx.LockID == "" {
		tx.LockID = lock.LockID
	}

	_, err := c.compensate(ctx, tx, domain.TxStateRolledBack, fmt.Errorf("%w: lock %s", domain.ErrLockExpired, lock.LockID))
	if errors.Is(err, domain.ErrLockExpired) {
		return nil
	}
	return err
}

// Reconcile resumes transactions that stopped short of a terminal state and
// have not moved for a full lock TTL: a crash mid-protocol, or an expiry
// compensation that failed after its lock had already left pending. Those
// whose lock is still pending are left to the lock sweeper. It returns how
// many transactions it drove forward.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	stale, err := c.repository.ListStale(ctx, c.now().Add(-c.cfg.LockTTL), reconcileBatch)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, tx := range stale {
		ok, err := c.reconcile(ctx, tx.TransactionID)
		if err != nil {
			c.logger.Error("[RECONCILE] transfer still open",
				zap.String("transaction_id", tx.TransactionID), zap.Error(err))
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

const reconcileBatch = 100

func (c *Coordinator) reconcile(ctx context.Context, txID string) (bool, error) {
	unlock, err := c.txMutex.Lock(ctx, "tx:"+txID)
	if err != nil {
		return false, err
	}
	defer unlock()

	tx, err := c.repository.Get(ctx, txID)
	if err != nil {
		return false, err
	}
	if tx.State.IsTerminal() {
		return false, nil
	}

	lock, err := c.locks.GetByTransaction(ctx, txID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		lock = nil
	case err != nil:
		return false, err
	case lock.State == domain.LockStatePending:
		return false, nil
	}

	c.logger.Warn("🔁 [RECONCILE] resuming stale transfer",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("state", string(tx.State)))

	if lock != nil && lock.State == domain.LockStateExpired {
		if err := c.rollbackExpired(ctx, tx, lock); err != nil {
			return false, err
		}
		return true, nil
	}

	// Os passos são idempotentes: retomar é rodar o protocolo de novo
	tx, _ = c.protocol(ctx, tx)
	if !tx.State.IsTerminal() {
		return false, fmt.Errorf("transaction %s left %s", tx.TransactionID, tx.State)
	}
	return true, nil
}

func (c *Coordinator) advance(ctx context.Context, tx *domain.Transaction, state domain.TransactionState, event domain.EventType) error {
	if tx.State == state {
		return nil
	}
	tx.State = state
	if err := c.repository.Update(ctx, tx); err != nil {
		return err
	}
	c.publish(tx, event, 0)
	return nil
}

func (c *Coordinator) step(ctx context.Context, name string, fn func(ctx context.Context) (*domain.Lock, error)) (*domain.Lock, error) {
	ctx, span := c.tracer.Start(ctx, name)
	defer span.End()

	lock, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.CodeOf(err))
	}
	return lock, err
}

func (c *Coordinator) stepLedger(ctx context.Context, name string, fn func(ctx context.Context) (*domain.Account, error)) (*domain.Account, error) {
	ctx, span := c.tracer.Start(ctx, name)
	defer span.End()

	acc, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.CodeOf(err))
	}
	return acc, err
}

func (c *Coordinator) publish(tx *domain.Transaction, eventType domain.EventType, elapsed time.Duration) {
	c.publisher.Publish(domain.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		TransactionID: tx.TransactionID,
		AccountID:     tx.SenderID,
		ReceiverID:    tx.ReceiverID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		State:         string(tx.State),
		Reason:        tx.FailureReason,
		Duration:      elapsed,
		OccurredAt:    time.Now().UTC(),
	})
}

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	if code := domain.CodeOf(err); code != "" {
		return code + ": " + err.Error()
	}
	return err.Error()
}

// replayedError carries the outcome of a finished transaction back to a
// caller that resubmitted it.
type replayedError struct {
	sentinel error
	msg      string
}

func (e *replayedError) Error() string { return e.msg }
func (e *replayedError) Unwrap() error { return e.sentinel }

// terminalError rebuilds the error of a finished transaction so replays
// report the same outcome.
func terminalError(tx *domain.Transaction) error {
	if tx.State == domain.TxStateCompleted {
		return nil
	}
	code, msg, _ := strings.Cut(tx.FailureReason, ": ")
	for _, sentinel := range []*domain.LedgerError{
		domain.ErrValidation, domain.ErrSequentialViolation, domain.ErrInsufficientFunds,
		domain.ErrNotFound, domain.ErrFederationTimeout, domain.ErrFederationDisagreement,
		domain.ErrStoreUnavailable, domain.ErrProtocolViolation, domain.ErrLockExpired,
	} {
		if sentinel.Code == code {
			return &replayedError{sentinel: sentinel, msg: msg}
		}
	}
	return fmt.Errorf("transaction %s %s: %s", tx.TransactionID, tx.State, tx.FailureReason)
}
