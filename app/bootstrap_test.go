package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
	"github.com/warp/accounting-engine/app"
	"github.com/warp/accounting-engine/catalog"
	"github.com/warp/accounting-engine/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Cache:   config.CacheConfig{Driver: config.CacheLRU, Size: 16},
		Notify:  config.NotifyConfig{Driver: config.NotifyHub, HubBuffer: 8},
		Engine: config.EngineConfig{
			LockTimeout:          time.Second,
			MaxRetries:           3,
			RetryInitialInterval: time.Millisecond,
		},
		Categories: []catalog.Definition{
			{Name: "cpu", Provider: "ucloud", Frequency: "per_minute", Unit: "core-minutes"},
		},
	}
}

func TestBootstrap_WiresServiceEndToEnd(t *testing.T) {
	// GIVEN a memory store, a redis wallet cache and the in-process hub
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Cache = config.CacheConfig{Driver: config.CacheRedis, RedisAddr: mr.Addr(), TTL: time.Minute}

	ctx := context.Background()
	deps, cleanup, err := app.Bootstrap(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, deps.Hub)
	require.NoError(t, deps.Ping(ctx))

	cpu := accounting.CategoryID{Name: "cpu", Provider: "ucloud"}
	alice := accounting.User("alice")
	events, cancel := deps.Hub.Subscribe(alice)
	defer cancel()

	// WHEN alice receives a grant and reports usage
	_, err = deps.Service.RootAllocate(ctx, accounting.RootAllocation{
		TransactionID: "grant-1",
		Owner:         alice,
		Category:      cpu,
		Quota:         decimal.NewFromInt(100),
		Start:         time.Now().Add(-time.Hour),
		Privileged:    true,
	})
	require.NoError(t, err)

	results, err := deps.Service.Charge(ctx, []accounting.ChargeRequest{{
		TransactionID: "usage-1",
		Owner:         alice,
		Category:      cpu,
		Units:         decimal.NewFromInt(30),
		Periods:       1,
		PricePerUnit:  decimal.NewFromInt(1),
	}})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Success)

	// THEN the wallet reflects the charge and the hub saw both updates
	w, err := deps.Service.FindWallet(ctx, alice, cpu, accounting.FindOptions{})
	require.NoError(t, err)
	assert.True(t, w.TotalTreeBalance().Equal(decimal.NewFromInt(70)))

	var last accounting.WalletUpdated
	for i := 0; i < 2; i++ {
		select {
		case last = <-events:
		case <-time.After(time.Second):
			t.Fatalf("expected event %d", i+1)
		}
	}
	assert.True(t, last.NewTreeBalanceSum.Equal(decimal.NewFromInt(70)))
	assert.False(t, last.Locked)
}

func TestBootstrap_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"unknown storage driver", func(cfg *config.Config) { cfg.Storage.Driver = "mongo" }},
		{"unknown cache driver", func(cfg *config.Config) { cfg.Cache.Driver = "memcached" }},
		{"bad category", func(cfg *config.Config) {
			cfg.Categories = append(cfg.Categories, catalog.Definition{Name: "gpu"})
		}},
		{"redis unreachable", func(cfg *config.Config) {
			mr := miniredis.RunT(t)
			addr := mr.Addr()
			mr.Close()
			cfg.Cache = config.CacheConfig{Driver: config.CacheRedis, RedisAddr: addr}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			deps, cleanup, err := app.Bootstrap(context.Background(), cfg, zerolog.Nop())
			assert.Error(t, err)
			assert.Nil(t, deps)
			if cleanup != nil {
				cleanup()
			}
		})
	}
}
