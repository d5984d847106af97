/*
Package cache provides accounting.WalletCache implementations.

IMPLEMENTATIONS:
  LRU:   in-process, bounded by entry count (hashicorp/golang-lru)
  Redis: shared by every engine instance, bounded by TTL (go-redis)

Both store the full wallet (active and inactive allocations). The wallet
index filters by validity window on every read, so a cached wallet never
goes stale because of a lapse, only because of a write. Writers invalidate
after commit.
*/
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/warp/accounting-engine/accounting"
)

// LRU is an in-process wallet cache.
type LRU struct {
	entries *lru.Cache
}

var _ accounting.WalletCache = (*LRU)(nil)

// NewLRU returns a cache holding at most size wallets.
func NewLRU(size int) (*LRU, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &LRU{entries: c}, nil
}

func (c *LRU) Get(_ context.Context, id accounting.WalletID) (*accounting.Wallet, bool, error) {
	v, ok := c.entries.Get(id)
	if !ok {
		return nil, false, nil
	}
	return cloneWallet(v.(*accounting.Wallet)), true, nil
}

func (c *LRU) Put(_ context.Context, w *accounting.Wallet) error {
	c.entries.Add(w.ID, cloneWallet(w))
	return nil
}

func (c *LRU) Invalidate(_ context.Context, ids ...accounting.WalletID) error {
	for _, id := range ids {
		c.entries.Remove(id)
	}
	return nil
}

// Len reports the number of cached wallets.
func (c *LRU) Len() int { return c.entries.Len() }

// Purge drops every entry.
func (c *LRU) Purge() { c.entries.Purge() }

func cloneWallet(w *accounting.Wallet) *accounting.Wallet {
	c := *w
	c.Allocations = make([]accounting.Allocation, len(w.Allocations))
	for i, a := range w.Allocations {
		c.Allocations[i] = a.Clone()
	}
	return &c
}
