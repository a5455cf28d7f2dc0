package transfer

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errPoolClosed = errors.New("transfer pool closed")

// pool runs submitted transfers on a fixed number of workers.
type pool struct {
	jobs   chan func()
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func newPool(workers, queue int, logger *zap.Logger) *pool {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = workers * 16
	}
	p := &pool{jobs: make(chan func(), queue), logger: logger}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *pool) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("🚨 PANIC RECOVERED in transfer worker", zap.Any("panic", r))
		}
	}()
	job()
}

// submit never blocks; it reports false when the queue is full.
func (p *pool) submit(job func()) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, errPoolClosed
	}
	select {
	case p.jobs <- job:
		return true, nil
	default:
		return false, nil
	}
}

// close stops accepting work and waits for queued transfers to finish.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
