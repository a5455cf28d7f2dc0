package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

const (
	DefaultTTL = time.Second

	accountPrefix = "atp:acct:"
	pendingPrefix = "atp:pending:"
)

// RedisCache stores JSON snapshots in Redis with a short TTL.
//
// When an invalidation fails the cache stops serving reads for one TTL: every
// value written before the failure has expired by then, so a read can never
// be stale relative to a mutation the caller already saw committed.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu            sync.RWMutex
	bypassedUntil time.Time
}

// NewRedisCache cria um cache read-through sobre o Redis
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Keys share a hash tag with their generation counter so both scripts touch a
// single cluster slot.
func accountKey(accountID, currency string) string {
	return accountPrefix + "{" + domain.AccountKey(accountID, currency) + "}"
}

func pendingKey(accountID string) string {
	return pendingPrefix + "{" + accountID + "}"
}

func genKey(key string) string {
	return key + ":gen"
}

// fillScript writes the value only if no invalidation ran since the read.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

var invalidateScript = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// generation counters outlive any read-then-fill window by far
const genTTL = time.Hour

func (c *RedisCache) bypassed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Before(c.bypassedUntil)
}

func (c *RedisCache) degrade(err error, key string) {
	c.mu.Lock()
	c.bypassedUntil = c.now().Add(c.ttl)
	c.mu.Unlock()
	c.logger.Warn("[CACHE] invalidation failed, bypassing reads for one TTL",
		zap.String("key", key), zap.Error(err))
}

// read returns the cached value, or on a miss the generation to fill with.
func (c *RedisCache) read(ctx context.Context, key string) (string, Generation, bool) {
	if c.bypassed() {
		return "", NoFill, false
	}

	vals, err := c.client.MGet(ctx, key, genKey(key)).Result()
	if err != nil {
		c.logger.Debug("[CACHE] get failed", zap.String("key", key), zap.Error(err))
		return "", NoFill, false
	}
	if val, ok := vals[0].(string); ok {
		return val, NoFill, true
	}

	gen := Generation(0)
	if raw, ok := vals[1].(string); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", NoFill, false
		}
		gen = Generation(n)
	}
	return "", gen, false
}

func (c *RedisCache) fill(ctx context.Context, key, val string, gen Generation) {
	if gen < 0 || c.bypassed() {
		return
	}
	written, err := fillScript.Run(ctx, c.client, []string{key, genKey(key)},
		strconv.FormatInt(int64(gen), 10), val, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.logger.Debug("[CACHE] fill failed", zap.String("key", key), zap.Error(err))
		return
	}
	if written == 0 {
		c.logger.Debug("[CACHE] stale fill dropped", zap.String("key", key))
	}
}

func (c *RedisCache) invalidate(ctx context.Context, key string) error {
	if err := invalidateScript.Run(ctx, c.client, []string{key, genKey(key)}, genTTL.Milliseconds()).Err(); err != nil {
		c.degrade(err, key)
		return err
	}
	return nil
}

// GetAccount returns a cached snapshot.
func (c *RedisCache) GetAccount(ctx context.Context, accountID, currency string) (*domain.Account, Generation, bool) {
	raw, gen, hit := c.read(ctx, accountKey(accountID, currency))
	if !hit {
		return nil, gen, false
	}

	var account domain.Account
	if err := json.Unmarshal([]byte(raw), &account); err != nil {
		return nil, NoFill, false
	}
	return &account, NoFill, true
}

// SetAccount caches a snapshot read from the store after a miss at gen.
func (c *RedisCache) SetAccount(ctx context.Context, account *domain.Account, gen Generation) {
	if account == nil {
		return
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return
	}
	c.fill(ctx, accountKey(account.AccountID, account.Currency), string(raw), gen)
}

// InvalidateAccount drops the snapshot.
func (c *RedisCache) InvalidateAccount(ctx context.Context, accountID, currency string) error {
	return c.invalidate(ctx, accountKey(accountID, currency))
}

// GetPendingLock returns the cached has-pending-lock flag.
func (c *RedisCache) GetPendingLock(ctx context.Context, accountID string) (bool, Generation, bool) {
	val, gen, hit := c.read(ctx, pendingKey(accountID))
	if !hit {
		return false, gen, false
	}
	return val == "1", NoFill, true
}

// SetPendingLock caches the has-pending-lock flag.
func (c *RedisCache) SetPendingLock(ctx context.Context, accountID string, pending bool, gen Generation) {
	val := "0"
	if pending {
		val = "1"
	}
	c.fill(ctx, pendingKey(accountID), val, gen)
}

// InvalidatePendingLock drops the flag.
func (c *RedisCache) InvalidatePendingLock(ctx context.Context, accountID string) error {
	return c.invalidate(ctx, pendingKey(accountID))
}
