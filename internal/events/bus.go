// Package events fans domain events out to observers. Observers run on their
// own goroutines and never slow down or influence a transfer.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

const defaultBuffer = 1024

// Observer consome eventos do barramento
type Observer interface {
	Name() string
	Handle(ctx context.Context, event domain.Event) error
}

type subscription struct {
	observer Observer
	ch       chan domain.Event
	dropped  atomic.Int64
}

// Bus is a non-blocking publisher with one bounded queue per observer.
type Bus struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewBus cria o barramento. timeout bounds each observer call.
func NewBus(logger *zap.Logger, timeout time.Duration) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bus{logger: logger, timeout: timeout}
}

// Subscribe starts delivering events to o through a queue of size buffer.
func (b *Bus) Subscribe(o Observer, buffer int) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{observer: o, ch: make(chan domain.Event, buffer)}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.consume(sub)
}

// Publish never blocks. An event is dropped for an observer whose queue is
// full.
func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("event dropped, observer saturated",
				zap.String("observer", sub.observer.Name()),
				zap.String("type", string(event.Type)),
				zap.String("transaction_id", event.TransactionID))
		}
	}
}

// Dropped returns how many events were dropped across observers.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, sub := range b.subs {
		total += sub.dropped.Load()
	}
	return total
}

// Close stops accepting events and waits for observers to drain their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) consume(sub *subscription) {
	defer b.wg.Done()
	for event := range sub.ch {
		b.deliver(sub.observer, event)
	}
}

func (b *Bus) deliver(o Observer, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("🚨 PANIC RECOVERED in observer",
				zap.String("observer", o.Name()),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := o.Handle(ctx, event); err != nil {
		b.logger.Warn("observer failed",
			zap.String("observer", o.Name()),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
