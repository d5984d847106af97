package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/accounting-engine/accounting"
)

const defaultKeyPrefix = "accounting:wallet:"

// Redis caches wallets as JSON under "<prefix><walletID>" with a TTL.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ accounting.WalletCache = (*Redis)(nil)

// NewRedis wraps a connected client. A zero ttl keeps entries until they
// are invalidated.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (c *Redis) key(id accounting.WalletID) string { return c.prefix + string(id) }

func (c *Redis) Get(ctx context.Context, id accounting.WalletID) (*accounting.Wallet, bool, error) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", id, err)
	}

	var w accounting.Wallet
	if err := json.Unmarshal(raw, &w); err != nil {
		// A corrupt entry is a miss; the next Put overwrites it.
		return nil, false, fmt.Errorf("decode cached wallet %s: %w", id, err)
	}
	return &w, true, nil
}

func (c *Redis) Put(ctx context.Context, w *accounting.Wallet) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode wallet %s: %w", w.ID, err)
	}
	if err := c.client.Set(ctx, c.key(w.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", w.ID, err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, ids ...accounting.WalletID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
