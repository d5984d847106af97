package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
	"github.com/warp/accounting-engine/cache"
)

var cpu = accounting.CategoryID{Name: "cpu", Provider: "ucloud"}

func testWallet(user string, balance int64) *accounting.Wallet {
	owner := accounting.User(user)
	id := accounting.NewWalletID(owner, cpu)
	end := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	return &accounting.Wallet{
		ID:       id,
		Owner:    owner,
		Category: cpu,
		Policy:   accounting.PolicyExpireFirst,
		Allocations: []accounting.Allocation{{
			ID:           accounting.AllocationID("a-" + user),
			Path:         []accounting.AllocationID{accounting.AllocationID("a-" + user)},
			WalletID:     id,
			Owner:        owner,
			Category:     cpu,
			Quota:        decimal.NewFromInt(balance),
			LocalBalance: decimal.NewFromInt(balance),
			TreeBalance:  decimal.NewFromInt(balance),
			Window:       accounting.Window{Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), End: &end},
		}},
	}
}

// =============================================================================
// LRU
// =============================================================================

func TestLRU_PutGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewLRU(8)
	require.NoError(t, err)

	w := testWallet("alice", 100)

	_, ok, err := c.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, ok, "empty cache misses")

	require.NoError(t, c.Put(ctx, w))
	got, ok, err := c.Get(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w.ID, got.ID)
	assert.True(t, got.TotalTreeBalance().Equal(decimal.NewFromInt(100)))

	require.NoError(t, c.Invalidate(ctx, w.ID))
	_, ok, _ = c.Get(ctx, w.ID)
	assert.False(t, ok)
}

func TestLRU_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewLRU(8)
	require.NoError(t, err)

	w := testWallet("alice", 100)
	require.NoError(t, c.Put(ctx, w))

	// GIVEN: the caller mutates the wallet it stored and the one it read
	w.Allocations[0].TreeBalance = decimal.NewFromInt(-1)
	got, _, _ := c.Get(ctx, w.ID)
	got.Allocations[0].TreeBalance = decimal.NewFromInt(-2)

	// THEN: the cached copy is unaffected
	again, ok, err := c.Get(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, again.Allocations[0].TreeBalance.Equal(decimal.NewFromInt(100)))
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewLRU(2)
	require.NoError(t, err)

	alice, bob, carol := testWallet("alice", 1), testWallet("bob", 2), testWallet("carol", 3)
	require.NoError(t, c.Put(ctx, alice))
	require.NoError(t, c.Put(ctx, bob))
	_, _, _ = c.Get(ctx, alice.ID) // alice is now most recent
	require.NoError(t, c.Put(ctx, carol))

	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, bob.ID)
	assert.False(t, ok, "bob was least recently used")
	_, ok, _ = c.Get(ctx, alice.ID)
	assert.True(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestLRU_RejectsNonPositiveSize(t *testing.T) {
	_, err := cache.NewLRU(0)
	assert.Error(t, err)
}

// =============================================================================
// REDIS
// =============================================================================

func newRedis(t *testing.T, ttl time.Duration) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedis(client, "", ttl), mr
}

func TestRedis_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedis(t, time.Minute)

	w := testWallet("alice", 250)
	require.NoError(t, c.Put(ctx, w))
	assert.True(t, mr.Exists("accounting:wallet:"+string(w.ID)))

	got, ok, err := c.Get(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w.Owner, got.Owner)
	assert.Equal(t, w.Category, got.Category)
	assert.Equal(t, w.Policy, got.Policy)
	require.Len(t, got.Allocations, 1)
	a := got.Allocations[0]
	assert.True(t, a.TreeBalance.Equal(decimal.NewFromInt(250)))
	require.NotNil(t, a.Window.End)
	assert.True(t, a.Window.End.Equal(*w.Allocations[0].Window.End))
}

func TestRedis_EntriesExpire(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedis(t, 30*time.Second)

	w := testWallet("alice", 10)
	require.NoError(t, c.Put(ctx, w))

	mr.FastForward(31 * time.Second)

	_, ok, err := c.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_Invalidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedis(t, 0)

	alice, bob := testWallet("alice", 1), testWallet("bob", 2)
	require.NoError(t, c.Put(ctx, alice))
	require.NoError(t, c.Put(ctx, bob))

	require.NoError(t, c.Invalidate(ctx, alice.ID, bob.ID))
	require.NoError(t, c.Invalidate(ctx))

	_, ok, _ := c.Get(ctx, alice.ID)
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, bob.ID)
	assert.False(t, ok)
}

func TestRedis_CorruptEntryIsAnError(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedis(t, 0)

	w := testWallet("alice", 1)
	require.NoError(t, mr.Set("accounting:wallet:"+string(w.ID), "{not json"))

	_, ok, err := c.Get(ctx, w.ID)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestConnect_FailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := cache.Connect(context.Background(), addr, "", 0)
	assert.Error(t, err)
}
