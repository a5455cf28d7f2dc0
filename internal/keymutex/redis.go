package keymutex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

// RedisOptions configures the RedLock mutex.
type RedisOptions struct {
	Prefix     string
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultRedisOptions suits sub-second ledger critical sections.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:     "atp:mutex:",
		Expiry:     5 * time.Second,
		Tries:      32,
		RetryDelay: 25 * time.Millisecond,
	}
}

// Redis is a keyed mutex shared by every coordinator instance pointed at the
// same Redis, built on redsync.
type Redis struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

// NewRedis creates a distributed keyed mutex over client.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultRedisOptions().Expiry
	}
	if opts.Tries < 1 {
		opts.Tries = DefaultRedisOptions().Tries
	}
	return &Redis{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
	}
}

// Lock acquires key across instances.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	mutex := r.rs.NewMutex(
		r.opts.Prefix+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: acquire mutex %s: %v", domain.ErrStoreUnavailable, key, err)
	}

	// Renova a chave enquanto o dono ainda a detém
	stop := make(chan struct{})
	go r.keepAlive(mutex, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// The key expires on its own if the unlock is lost.
			_, _ = mutex.UnlockContext(context.Background())
		})
	}, nil
}

func (r *Redis) keepAlive(mutex *redsync.Mutex, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.Expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(context.Background()); !ok || err != nil {
				return
			}
		}
	}
}
