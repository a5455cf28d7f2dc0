package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/atp-ledger/internal/domain"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCache(client, time.Second, nil), mr
}

func TestRedisCache_AccountRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	account := domain.NewAccount("alice", "USD", decimal.NewFromInt(1000))

	_, gen, hit := c.GetAccount(ctx, "alice", "USD")
	assert.False(t, hit)
	assert.Equal(t, Generation(0), gen)

	c.SetAccount(ctx, account, gen)

	cached, _, hit := c.GetAccount(ctx, "alice", "USD")
	require.True(t, hit)
	assert.True(t, cached.Available.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, time.Second, mr.TTL("atp:acct:{alice:USD}"))

	require.NoError(t, c.InvalidateAccount(ctx, "alice", "USD"))
	_, gen, hit = c.GetAccount(ctx, "alice", "USD")
	assert.False(t, hit)
	assert.Equal(t, Generation(1), gen)
}

func TestRedisCache_EntriesExpireAfterTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, gen, _ := c.GetPendingLock(ctx, "alice")
	c.SetPendingLock(ctx, "alice", true, gen)
	pending, _, hit := c.GetPendingLock(ctx, "alice")
	require.True(t, hit)
	assert.True(t, pending)

	mr.FastForward(2 * time.Second)

	_, _, hit = c.GetPendingLock(ctx, "alice")
	assert.False(t, hit)
}

func TestRedisCache_FailedInvalidationBypassesReads(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.SetPendingLock(ctx, "alice", false, 0)

	mr.SetError("connection reset")
	assert.Error(t, c.InvalidatePendingLock(ctx, "alice"))
	mr.SetError("")

	_, gen, hit := c.GetPendingLock(ctx, "alice")
	assert.False(t, hit, "reads are bypassed after a failed invalidation")
	assert.Equal(t, NoFill, gen)

	now = now.Add(2 * time.Second)
	_, gen, _ = c.GetPendingLock(ctx, "alice")
	c.SetPendingLock(ctx, "alice", true, gen)
	pending, _, hit := c.GetPendingLock(ctx, "alice")
	assert.True(t, hit)
	assert.True(t, pending)
}

func TestNoop_NeverHits(t *testing.T) {
	var c Cache = Noop{}
	ctx := context.Background()

	c.SetAccount(ctx, domain.NewAccount("alice", "USD", decimal.NewFromInt(1)), 0)
	_, gen, hit := c.GetAccount(ctx, "alice", "USD")
	assert.False(t, hit)
	assert.Equal(t, NoFill, gen)
	assert.NoError(t, c.InvalidateAccount(ctx, "alice", "USD"))
}

func TestRedisCache_FillAfterInvalidationIsDropped(t *testing.T) {
	// Arrange: a reader misses and loads a snapshot from the store
	c, mr := newTestCache(t)
	ctx := context.Background()
	_, gen, hit := c.GetAccount(ctx, "alice", "USD")
	require.False(t, hit)
	before := domain.NewAccount("alice", "USD", decimal.NewFromInt(1000))

	// Act: a debit commits and invalidates before the reader writes back
	require.NoError(t, c.InvalidateAccount(ctx, "alice", "USD"))
	c.SetAccount(ctx, before, gen)

	// Assert
	_, _, hit = c.GetAccount(ctx, "alice", "USD")
	assert.False(t, hit, "a snapshot older than the invalidation is never cached")
	assert.False(t, mr.Exists("atp:acct:{alice:USD}"))

	_, gen, _ = c.GetPendingLock(ctx, "alice")
	require.NoError(t, c.InvalidatePendingLock(ctx, "alice"))
	c.SetPendingLock(ctx, "alice", false, gen)
	_, _, hit = c.GetPendingLock(ctx, "alice")
	assert.False(t, hit)
}
