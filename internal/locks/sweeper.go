package locks

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler drives forward work left open after a lock already went terminal.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Sweeper expira locks vencidos periodicamente
type Sweeper struct {
	manager     *Manager
	reconcilers []Reconciler
	interval    time.Duration
	logger      *zap.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, logger *zap.Logger, reconcilers ...Reconciler) *Sweeper {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{manager: manager, reconcilers: reconcilers, interval: interval, logger: logger}
}

// Start blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("starting lock sweeper", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping lock sweeper")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one expiry sweep followed by every reconciler.
func (s *Sweeper) Tick(ctx context.Context) {
	n, err := s.manager.SweepExpired(ctx)
	switch {
	case err != nil:
		s.logger.Error("[EXPIRE] sweep failed", zap.Error(err))
	case n > 0:
		s.logger.Info("[EXPIRE] sweep expired locks", zap.Int("count", n))
	}

	for _, r := range s.reconcilers {
		n, err := r.Reconcile(ctx)
		switch {
		case err != nil:
			s.logger.Error("[RECONCILE] pass failed", zap.Error(err))
		case n > 0:
			s.logger.Info("[RECONCILE] resumed transfers", zap.Int("count", n))
		}
	}
}
