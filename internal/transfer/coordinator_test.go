package transfer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/atp-ledger/internal/domain"
	"github.com/matheusmosca/atp-ledger/internal/federation"
	"github.com/matheusmosca/atp-ledger/internal/identity"
	"github.com/matheusmosca/atp-ledger/internal/ledger"
	"github.com/matheusmosca/atp-ledger/internal/locks"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(by)
}

// hookPeer votes through an optional hook so tests can interleave work with
// the federation round.
type hookPeer struct {
	id      string
	approve bool
	delay   time.Duration
	hook    func(ctx context.Context, s domain.Summary)
}

func (p *hookPeer) ID() string { return p.id }

func (p *hookPeer) Validate(ctx context.Context, req federation.ValidationRequest) (federation.Vote, error) {
	if p.hook != nil {
		p.hook(ctx, req.Summary)
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return federation.Vote{}, ctx.Err()
		}
	}
	return federation.Vote{NodeID: p.id, TransactionID: req.Summary.TransactionID, Approve: p.approve}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) typesFor(txID string) []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.EventType
	for _, e := range p.events {
		if e.TransactionID == txID {
			out = append(out, e.Type)
		}
	}
	return out
}

type harness struct {
	coordinator *Coordinator
	ledger      *ledger.Ledger
	locks       *locks.Manager
	clock       *fakeClock
	verifier    *identity.StaticVerifier
	publisher   *recordingPublisher
	peers       []*hookPeer
}

type harnessOpts struct {
	peers      []*hookPeer
	deadline   time.Duration
	lockTTL    time.Duration
	repository Repository
}

// flakyRepository fails the next armed Get calls with ErrStoreUnavailable.
type flakyRepository struct {
	*MemoryRepository
	failGets atomic.Int32
}

func (r *flakyRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	if r.failGets.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
	}
	r.failGets.Store(0)
	return r.MemoryRepository.Get(ctx, id)
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	if opts.peers == nil {
		opts.peers = []*hookPeer{{id: "n1", approve: true}, {id: "n2", approve: true}, {id: "n3", approve: true}}
	}
	if opts.deadline == 0 {
		opts.deadline = 500 * time.Millisecond
	}
	if opts.lockTTL == 0 {
		opts.lockTTL = 2 * time.Second
	}
	if opts.repository == nil {
		opts.repository = NewMemoryRepository()
	}

	h := &harness{
		clock:     &fakeClock{now: time.Now()},
		verifier:  identity.NewStaticVerifier(),
		publisher: &recordingPublisher{},
		peers:     opts.peers,
	}

	h.ledger = ledger.NewLedger(ledger.NewMemoryRepository(nil))

	var err error
	h.locks, err = locks.NewManager(locks.NewMemoryRepository(), locks.WithClock(h.clock.Now))
	require.NoError(t, err)

	peers := make([]federation.Peer, 0, len(opts.peers))
	for _, p := range opts.peers {
		peers = append(peers, p)
	}
	validator, err := federation.NewValidator(peers, 0, opts.deadline, nil)
	require.NoError(t, err)

	h.coordinator, err = NewCoordinator(
		Config{LockTTL: opts.lockTTL, Currencies: []string{"USD", "EUR"}, Workers: 4, QueueSize: 64},
		h.ledger, h.locks, validator, h.verifier, opts.repository,
		WithPublisher(h.publisher),
		WithClock(h.clock.Now),
	)
	require.NoError(t, err)
	h.locks.SetExpiryHandler(h.coordinator)
	t.Cleanup(h.coordinator.Close)

	return h
}

func (h *harness) open(t *testing.T, id string, balance int64) {
	t.Helper()
	_, err := h.ledger.OpenAccount(context.Background(), id, "USD", d(balance))
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, id string) *domain.Account {
	t.Helper()
	acc, err := h.coordinator.GetBalance(context.Background(), id, "USD")
	require.NoError(t, err)
	return acc
}

func transfer(sender, receiver string, amount int64) TransferRequest {
	return TransferRequest{SenderID: sender, ReceiverID: receiver, Amount: d(amount), Currency: "USD"}
}

func TestCoordinator_ScenarioA_Completes(t *testing.T) {
	// Arrange
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)

	// Act
	tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateCompleted, tx.State)
	assert.NotEmpty(t, tx.LockID)

	alice := h.balance(t, "alice")
	bob := h.balance(t, "bob")
	assert.True(t, alice.Available.Equal(d(900)))
	assert.True(t, alice.Locked.IsZero())
	assert.True(t, bob.Available.Equal(d(100)))

	lock, err := h.locks.Get(context.Background(), tx.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateCompleted, lock.State)

	assert.Equal(t, []domain.EventType{
		domain.EventTransferInitiated,
		domain.EventTransferLocked,
		domain.EventTransferCredited,
		domain.EventTransferValidated,
		domain.EventTransferCompleted,
	}, h.publisher.typesFor(tx.TransactionID))
}

func TestCoordinator_ScenarioB_ConcurrentTransfersFromSameSender(t *testing.T) {
	h := newHarness(t, harnessOpts{peers: []*hookPeer{
		{id: "n1", approve: true, delay: 50 * time.Millisecond},
		{id: "n2", approve: true, delay: 50 * time.Millisecond},
		{id: "n3", approve: true, delay: 50 * time.Millisecond},
	}})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	h.open(t, "carol", 0)

	type outcome struct {
		tx  *domain.Transaction
		err error
	}
	results := make(chan outcome, 2)
	start := make(chan struct{})
	for _, receiver := range []string{"bob", "carol"} {
		go func(receiver string) {
			<-start
			tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", receiver, 100))
			results <- outcome{tx, err}
		}(receiver)
	}
	close(start)

	var completed, rejected int
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err == nil {
			completed++
			assert.Equal(t, domain.TxStateCompleted, o.tx.State)
			continue
		}
		rejected++
		assert.ErrorIs(t, o.err, domain.ErrSequentialViolation)
		assert.True(t, domain.IsRetryable(o.err))
		assert.Equal(t, domain.TxStateFailed, o.tx.State)
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, rejected)

	alice := h.balance(t, "alice")
	assert.True(t, alice.Available.Equal(d(900)))
	assert.True(t, alice.Locked.IsZero())
	received := h.balance(t, "bob").Available.Add(h.balance(t, "carol").Available)
	assert.True(t, received.Equal(d(100)))
}

func TestCoordinator_ScenarioC_FederationTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{
		deadline: 30 * time.Millisecond,
		peers: []*hookPeer{
			{id: "n1", approve: true, delay: time.Hour},
			{id: "n2", approve: true, delay: time.Hour},
			{id: "n3", approve: true},
		},
	})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)

	tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))

	assert.ErrorIs(t, err, domain.ErrFederationTimeout)
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, domain.TxStateFailed, tx.State)
	assert.Contains(t, tx.FailureReason, domain.CodeFederationTimeout)

	alice := h.balance(t, "alice")
	bob := h.balance(t, "bob")
	assert.True(t, alice.Available.Equal(d(1000)))
	assert.True(t, alice.Locked.IsZero())
	assert.True(t, bob.Available.IsZero())

	lock, err := h.locks.Get(context.Background(), tx.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateFailed, lock.State)

	// The sender is free for the next transfer
	pending, err := h.locks.HasPendingLock(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCoordinator_FederationVetoRollsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{peers: []*hookPeer{
		{id: "n1", approve: false},
		{id: "n2", approve: true, delay: 20 * time.Millisecond},
		{id: "n3", approve: true, delay: 20 * time.Millisecond},
	}})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)

	tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))

	assert.ErrorIs(t, err, domain.ErrFederationDisagreement)
	assert.Equal(t, domain.TxStateFailed, tx.State)
	assert.True(t, h.balance(t, "alice").Available.Equal(d(1000)))
	assert.True(t, h.balance(t, "bob").Available.IsZero())
	assert.Contains(t, h.publisher.typesFor(tx.TransactionID), domain.EventTransferFailed)
}

func TestCoordinator_InsufficientFundsMutatesNothing(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 50)
	h.open(t, "bob", 0)

	tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))

	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.TxStateFailed, tx.State)
	assert.Empty(t, tx.LockID)
	assert.True(t, h.balance(t, "alice").Available.Equal(d(50)))

	postings, err := h.ledger.Postings(context.Background(), tx.TransactionID)
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestCoordinator_ExactBalanceIsAllowed(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 100)
	h.open(t, "bob", 0)

	tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateCompleted, tx.State)
	assert.True(t, h.balance(t, "alice").Total().IsZero())
}

func TestCoordinator_ValidationErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	h.verifier.Deny("mallory")
	h.open(t, "mallory", 1000)

	tests := []struct {
		name string
		req  TransferRequest
	}{
		{name: "same sender and receiver", req: transfer("alice", "alice", 10)},
		{name: "zero amount", req: transfer("alice", "bob", 0)},
		{name: "negative amount", req: transfer("alice", "bob", -10)},
		{name: "missing currency", req: TransferRequest{SenderID: "alice", ReceiverID: "bob", Amount: d(10)}},
		{name: "unsupported currency", req: TransferRequest{SenderID: "alice", ReceiverID: "bob", Amount: d(10), Currency: "BRL"}},
		{name: "supported currency without account", req: TransferRequest{SenderID: "alice", ReceiverID: "bob", Amount: d(10), Currency: "EUR"}},
		{name: "unknown receiver", req: transfer("alice", "ghost", 10)},
		{name: "unverified sender", req: transfer("mallory", "bob", 10)},
		{name: "below balance precision", req: TransferRequest{SenderID: "alice", ReceiverID: "bob", Amount: decimal.RequireFromString("0.000000004"), Currency: "USD"}},
		{name: "too many decimal places", req: TransferRequest{SenderID: "alice", ReceiverID: "bob", Amount: decimal.RequireFromString("10.123456789"), Currency: "USD"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := h.coordinator.InitiateTransfer(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Nil(t, tx, "no transaction is recorded")
		})
	}

	assert.True(t, h.balance(t, "alice").Available.Equal(d(1000)))
}

func TestCoordinator_EightDecimalPlacesSettle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1)
	h.open(t, "bob", 0)
	amount := decimal.RequireFromString("0.00000001")

	tx, err := h.coordinator.InitiateTransfer(context.Background(), TransferRequest{
		SenderID: "alice", ReceiverID: "bob", Amount: amount, Currency: "USD",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.TxStateCompleted, tx.State)
	assert.True(t, h.balance(t, "bob").Available.Equal(amount))
	assert.True(t, h.balance(t, "alice").Available.Equal(decimal.RequireFromString("0.99999999")))
}

func TestCoordinator_PendingLockRejectsBeforeLocking(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()

	_, err := h.locks.CreateLock(ctx, "alice", "USD", d(10), "other-tx", time.Minute)
	require.NoError(t, err)

	tx, err := h.coordinator.InitiateTransfer(ctx, transfer("alice", "bob", 100))

	assert.ErrorIs(t, err, domain.ErrSequentialViolation)
	assert.Equal(t, domain.TxStateFailed, tx.State)
	assert.Empty(t, tx.LockID)
	_, err = h.locks.GetByTransaction(ctx, tx.TransactionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, h.balance(t, "alice").Available.Equal(d(1000)))
}

func TestCoordinator_PostingsJournal(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()

	tx, err := h.coordinator.InitiateTransfer(ctx, transfer("alice", "bob", 100))
	require.NoError(t, err)

	postings, err := h.coordinator.Postings(ctx, tx.TransactionID)
	require.NoError(t, err)
	kinds := make([]domain.PostingKind, 0, len(postings))
	for _, p := range postings {
		kinds = append(kinds, p.Kind)
	}
	assert.ElementsMatch(t, []domain.PostingKind{domain.PostingDebitLock, domain.PostingCredit, domain.PostingFinalize}, kinds)
}

func TestCoordinator_ReplayWithSameTransactionID(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()

	req := transfer("alice", "bob", 100)
	req.TransactionID = "client-tx-1"

	first, err := h.coordinator.InitiateTransfer(ctx, req)
	require.NoError(t, err)

	again, err := h.coordinator.InitiateTransfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, again.TransactionID)
	assert.Equal(t, domain.TxStateCompleted, again.State)
	assert.True(t, h.balance(t, "alice").Available.Equal(d(900)), "replay does not debit twice")

	req.Amount = d(5)
	_, err = h.coordinator.InitiateTransfer(ctx, req)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCoordinator_ReplayOfFailedTransactionIsNotResurrected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 50)
	h.open(t, "bob", 0)
	ctx := context.Background()

	req := transfer("alice", "bob", 100)
	req.TransactionID = "client-tx-2"
	_, err := h.coordinator.InitiateTransfer(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Saldo suficiente agora, mas a transação já é terminal
	_, err = h.ledger.CreditAvailable(ctx, "top-up", "alice", "USD", d(100))
	require.NoError(t, err)

	tx, err := h.coordinator.InitiateTransfer(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.TxStateFailed, tx.State)
	assert.True(t, h.balance(t, "bob").Available.IsZero())
}

func TestCoordinator_LockExpiredBeforeSettlementRollsBack(t *testing.T) {
	var h *harness
	peers := []*hookPeer{{id: "n1", approve: true}}
	peers[0].hook = func(context.Context, domain.Summary) { h.clock.Advance(5 * time.Second) }
	h = newHarness(t, harnessOpts{peers: peers})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)

	tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))

	assert.ErrorIs(t, err, domain.ErrLockExpired)
	assert.Equal(t, domain.TxStateRolledBack, tx.State)
	assert.True(t, h.balance(t, "alice").Available.Equal(d(1000)))
	assert.True(t, h.balance(t, "alice").Locked.IsZero())
	assert.True(t, h.balance(t, "bob").Available.IsZero(), "optimistic credit is reversed")
	assert.Contains(t, h.publisher.typesFor(tx.TransactionID), domain.EventTransferRolledBack)
}

func TestCoordinator_SweeperExpiryWaitsForInFlightRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	peers := []*hookPeer{{id: "n1", approve: true}}
	peers[0].hook = func(context.Context, domain.Summary) {
		once.Do(func() { close(entered) })
		<-release
	}
	h := newHarness(t, harnessOpts{peers: peers, deadline: 5 * time.Second})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)

	done := make(chan *domain.Transaction, 1)
	go func() {
		tx, _ := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))
		done <- tx
	}()
	<-entered

	h.clock.Advance(time.Minute)
	swept := make(chan int, 1)
	go func() {
		n, err := h.locks.SweepExpired(context.Background())
		assert.NoError(t, err)
		swept <- n
	}()

	// O handler de expiração bloqueia até a execução em andamento terminar
	time.Sleep(20 * time.Millisecond)
	close(release)

	tx := <-done
	assert.Equal(t, 1, <-swept)
	assert.Equal(t, domain.TxStateRolledBack, tx.State)

	alice := h.balance(t, "alice")
	assert.True(t, alice.Available.Equal(d(1000)))
	assert.True(t, alice.Locked.IsZero())
	assert.True(t, h.balance(t, "bob").Available.IsZero())
}

func TestCoordinator_HandleExpiredLockResumesStuckTransaction(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()

	// Simulates a crash after debit and credit
	tx, _, err := h.coordinator.repository.Create(ctx, domain.NewTransaction("stuck-1", "alice", "bob", d(100), "USD"))
	require.NoError(t, err)
	lock, err := h.locks.CreateLock(ctx, "alice", "USD", d(100), "stuck-1", time.Second)
	require.NoError(t, err)
	_, err = h.ledger.DebitLocked(ctx, "stuck-1", "alice", "USD", d(100))
	require.NoError(t, err)
	_, err = h.ledger.CreditAvailable(ctx, "stuck-1", "bob", "USD", d(100))
	require.NoError(t, err)
	tx.LockID = lock.LockID
	tx.State = domain.TxStateCredited
	require.NoError(t, h.coordinator.repository.Update(ctx, tx))

	h.clock.Advance(2 * time.Second)
	n, err := h.locks.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := h.coordinator.GetStatus(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateRolledBack, status.State)
	assert.True(t, h.balance(t, "alice").Available.Equal(d(1000)))
	assert.True(t, h.balance(t, "bob").Available.IsZero())
}

// stuckCredited records a transfer that crashed after debit and credit.
func (h *harness) stuckCredited(t *testing.T, txID string, ttl time.Duration) *domain.Lock {
	t.Helper()
	ctx := context.Background()

	tx, _, err := h.coordinator.repository.Create(ctx, domain.NewTransaction(txID, "alice", "bob", d(100), "USD"))
	require.NoError(t, err)
	lock, err := h.locks.CreateLock(ctx, "alice", "USD", d(100), txID, ttl)
	require.NoError(t, err)
	_, err = h.ledger.DebitLocked(ctx, txID, "alice", "USD", d(100))
	require.NoError(t, err)
	_, err = h.ledger.CreditAvailable(ctx, txID, "bob", "USD", d(100))
	require.NoError(t, err)
	tx.LockID = lock.LockID
	tx.State = domain.TxStateCredited
	require.NoError(t, h.coordinator.repository.Update(ctx, tx))
	return lock
}

func TestCoordinator_FailedExpiryCompensationIsRetriedByReconcile(t *testing.T) {
	// Arrange
	repo := &flakyRepository{MemoryRepository: NewMemoryRepository()}
	h := newHarness(t, harnessOpts{repository: repo})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()
	lock := h.stuckCredited(t, "stuck-2", time.Second)
	sweeper := locks.NewSweeper(h.locks, time.Hour, nil, h.coordinator)

	// Act: the expiry handler hits a store blip
	h.clock.Advance(1500 * time.Millisecond)
	repo.failGets.Store(1)
	sweeper.Tick(ctx)

	// Assert: the lock left pending but the transfer is still open
	expired, err := h.locks.Get(ctx, lock.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateExpired, expired.State)
	status, err := h.coordinator.GetStatus(ctx, "stuck-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateCredited, status.State)

	n, err := h.locks.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the expired lock is never swept twice")

	// Act: a later tick finds the stale transfer
	h.clock.Advance(5 * time.Second)
	sweeper.Tick(ctx)

	// Assert
	status, err = h.coordinator.GetStatus(ctx, "stuck-2")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateRolledBack, status.State)

	alice := h.balance(t, "alice")
	bob := h.balance(t, "bob")
	assert.True(t, alice.Available.Equal(d(1000)))
	assert.True(t, alice.Locked.IsZero())
	assert.True(t, bob.Available.IsZero())
	assert.True(t, alice.Total().Add(bob.Total()).Equal(d(1000)))
}

func TestCoordinator_ReconcileSkipsFreshAndPendingWork(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()
	h.stuckCredited(t, "stuck-3", time.Hour)

	n, err := h.coordinator.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Stale, but the lock is still pending: left to the sweeper
	h.clock.Advance(time.Minute)
	n, err = h.coordinator.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	status, err := h.coordinator.GetStatus(ctx, "stuck-3")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateCredited, status.State)
}

func TestCoordinator_ReconcileResumesTransferThatNeverLocked(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()

	// Recorded but never picked up by a worker
	_, _, err := h.coordinator.repository.Create(ctx, domain.NewTransaction("orphan-1", "alice", "bob", d(250), "USD"))
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	n, err := h.coordinator.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := h.coordinator.GetStatus(ctx, "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateCompleted, status.State)
	assert.True(t, h.balance(t, "alice").Available.Equal(d(750)))
	assert.True(t, h.balance(t, "bob").Available.Equal(d(250)))
}

func TestCoordinator_SpentOptimisticCreditIsProtocolViolation(t *testing.T) {
	var h *harness
	peers := []*hookPeer{{id: "n1"}}
	peers[0].hook = func(ctx context.Context, s domain.Summary) {
		if s.SenderID != "alice" {
			return
		}
		// Bob gasta o crédito otimista antes do veto
		_, err := h.ledger.DebitLocked(ctx, "spend-1", "bob", "USD", d(100))
		assert.NoError(t, err)
		_, err = h.ledger.FinalizeDebit(ctx, "spend-1", "bob", "USD", d(100))
		assert.NoError(t, err)
	}
	h = newHarness(t, harnessOpts{peers: peers})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)

	tx, err := h.coordinator.InitiateTransfer(context.Background(), transfer("alice", "bob", 100))

	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.Equal(t, domain.TxStateFailed, tx.State)
	alice := h.balance(t, "alice")
	assert.True(t, alice.Locked.Equal(d(100)), "sender funds stay locked for manual resolution")

	lock, err := h.locks.Get(context.Background(), tx.LockID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockStateFailed, lock.State)
}

func TestCoordinator_SubmitTransferRunsAsync(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "alice", 1000)
	h.open(t, "bob", 0)
	ctx := context.Background()

	tx, err := h.coordinator.SubmitTransfer(ctx, transfer("alice", "bob", 100))
	require.NoError(t, err)
	assert.Equal(t, domain.TxStateInitiated, tx.State)

	require.Eventually(t, func() bool {
		status, err := h.coordinator.GetStatus(ctx, tx.TransactionID)
		return err == nil && status.State == domain.TxStateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.coordinator.GetStatus(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoordinator_BalanceInvariantUnderLoad(t *testing.T) {
	h := newHarness(t, harnessOpts{peers: []*hookPeer{
		{id: "n1", approve: true},
		{id: "n2", approve: true, delay: time.Millisecond},
		{id: "n3", approve: true, delay: 3 * time.Millisecond},
	}})
	accounts := []string{"a", "b", "c", "d", "e"}
	for _, id := range accounts {
		h.open(t, id, 500)
	}

	var wg sync.WaitGroup
	var completed int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(i)))
			from := accounts[r.Intn(len(accounts))]
			to := accounts[r.Intn(len(accounts))]
			if from == to {
				return
			}
			_, err := h.coordinator.InitiateTransfer(context.Background(), transfer(from, to, int64(1+r.Intn(200))))
			if err == nil {
				atomic.AddInt32(&completed, 1)
			}
		}(i)
	}
	wg.Wait()

	total := decimal.Zero
	for _, id := range accounts {
		acc := h.balance(t, id)
		assert.False(t, acc.Available.IsNegative(), id)
		assert.True(t, acc.Locked.IsZero(), "no funds left locked on %s", id)
		total = total.Add(acc.Total())
	}
	assert.True(t, total.Equal(d(2500)), "total=%s", total)
	assert.Positive(t, completed)
}

func TestDTMGenerator_FallsBackToUUID(t *testing.T) {
	g := NewDTMGenerator("http://127.0.0.1:1/api/dtmsvr", nil)

	id := g.NewID()

	_, err := uuid.Parse(id)
	assert.NoError(t, err, fmt.Sprintf("expected uuid fallback, got %q", id))
}
