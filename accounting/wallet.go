/*
wallet.go - Wallet index: (owner, category) → allocations

PURPOSE:
  A wallet is a view over the allocations that feed it. The index assembles
  that view, filters allocations outside their validity window (lapse is
  enforced at read time, never by deletion) and owns the wallet cache.

CACHE:
  The cache is read-through: FindWallet consults it first and fills it on a
  miss. It holds every allocation of a wallet, active or not, and the
  active-window filter runs on each read, so a lapse never needs an
  invalidation. Engines call Invalidate after every commit that touched the
  wallet. Reads are advisory between charges (read-committed); the charge
  engine never reads balances through the cache.

  Each wallet carries an invalidation generation. A fill records it before
  reading the store and is dropped if an Invalidate ran in between, so a
  slow reader cannot put back a wallet older than the last commit. The
  generation is per process; a shared Redis cache is bounded by its TTL.

IMPLEMENTATIONS:
  - NopCache (this file): no caching
  - cache.LRU: in-process
  - cache.Redis: shared across instances
*/
package accounting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WalletCache stores materialized wallets by ID.
type WalletCache interface {
	Get(ctx context.Context, id WalletID) (*Wallet, bool, error)
	Put(ctx context.Context, w *Wallet) error
	Invalidate(ctx context.Context, ids ...WalletID) error
}

// NopCache never hits.
type NopCache struct{}

func (NopCache) Get(context.Context, WalletID) (*Wallet, bool, error) { return nil, false, nil }
func (NopCache) Put(context.Context, *Wallet) error                   { return nil }
func (NopCache) Invalidate(context.Context, ...WalletID) error        { return nil }

// FindOptions tunes wallet lookups.
type FindOptions struct {
	IncludeInactive bool
	// At overrides the evaluation time for the validity filter.
	At time.Time
}

// =============================================================================
// WALLET INDEX
// =============================================================================

type WalletIndex struct {
	store Store
	cache WalletCache
	clock func() time.Time
	log   zerolog.Logger

	mu          sync.Mutex
	generations map[WalletID]uint64
}

func NewWalletIndex(store Store, cache WalletCache, clock func() time.Time, log zerolog.Logger) *WalletIndex {
	if cache == nil {
		cache = NopCache{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &WalletIndex{
		store:       store,
		cache:       cache,
		clock:       clock,
		log:         log,
		generations: make(map[WalletID]uint64),
	}
}

// FindAllocations returns the wallet's allocations, active ones only unless
// opts.IncludeInactive is set.
func (w *WalletIndex) FindAllocations(ctx context.Context, owner Owner, category CategoryID, opts FindOptions) ([]Allocation, error) {
	wallet, err := w.FindWallet(ctx, owner, category, opts)
	if err != nil {
		return nil, err
	}
	return wallet.Allocations, nil
}

// FindWallet assembles the wallet view.
func (w *WalletIndex) FindWallet(ctx context.Context, owner Owner, category CategoryID, opts FindOptions) (*Wallet, error) {
	full, err := w.load(ctx, NewWalletID(owner, category))
	if err != nil {
		return nil, err
	}
	return w.filter(full, opts), nil
}

// WalletsByOwner returns every wallet of an owner.
func (w *WalletIndex) WalletsByOwner(ctx context.Context, owner Owner, opts FindOptions) ([]Wallet, error) {
	records, err := w.store.WalletsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	wallets := make([]Wallet, 0, len(records))
	for _, r := range records {
		full, err := w.load(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w.filter(full, opts))
	}
	return wallets, nil
}

// Invalidate drops cached wallets after a write.
func (w *WalletIndex) Invalidate(ctx context.Context, ids ...WalletID) {
	if len(ids) == 0 {
		return
	}
	w.mu.Lock()
	for _, id := range ids {
		w.generations[id]++
	}
	w.mu.Unlock()

	if err := w.cache.Invalidate(ctx, ids...); err != nil {
		w.log.Warn().Err(err).Int("wallets", len(ids)).Msg("wallet cache invalidation failed")
	}
}

// Summarize reads the wallet from the store (bypassing the cache) and
// builds the notification payload.
func (w *WalletIndex) Summarize(ctx context.Context, id WalletID) (WalletUpdated, error) {
	full, err := w.loadFromStore(ctx, id)
	if err != nil {
		return WalletUpdated{}, err
	}
	now := w.clock()
	active := w.filter(full, FindOptions{At: now})
	total := active.TotalTreeBalance()
	return WalletUpdated{
		Owner:             active.Owner,
		Category:          active.Category,
		NewTreeBalanceSum: total,
		Locked:            !total.IsPositive(),
		Timestamp:         now,
	}, nil
}

func (w *WalletIndex) load(ctx context.Context, id WalletID) (*Wallet, error) {
	cached, ok, err := w.cache.Get(ctx, id)
	if err != nil {
		w.log.Warn().Err(err).Str("wallet", string(id)).Msg("wallet cache read failed")
	} else if ok {
		return cached, nil
	}

	w.mu.Lock()
	gen := w.generations[id]
	w.mu.Unlock()

	full, err := w.loadFromStore(ctx, id)
	if err != nil {
		return nil, err
	}
	w.fill(ctx, full, gen)
	return full, nil
}

// fill caches full unless the wallet was invalidated after gen was read.
// The lock spans the check and the Put so an Invalidate either lands
// before (and the fill is dropped) or after (and evicts it).
func (w *WalletIndex) fill(ctx context.Context, full *Wallet, gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.generations[full.ID] != gen {
		w.log.Debug().Str("wallet", string(full.ID)).Msg("wallet changed during load, not cached")
		return
	}
	if err := w.cache.Put(ctx, full); err != nil {
		w.log.Warn().Err(err).Str("wallet", string(full.ID)).Msg("wallet cache write failed")
	}
}

func (w *WalletIndex) loadFromStore(ctx context.Context, id WalletID) (*Wallet, error) {
	record, err := w.store.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	allocations, err := w.store.AllocationsByWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		ID:          record.ID,
		Owner:       record.Owner,
		Category:    record.Category,
		Policy:      record.Policy,
		Allocations: allocations,
	}, nil
}

func (w *WalletIndex) filter(full *Wallet, opts FindOptions) *Wallet {
	out := *full
	out.Allocations = make([]Allocation, 0, len(full.Allocations))
	at := opts.At
	if at.IsZero() {
		at = w.clock()
	}
	for _, a := range full.Allocations {
		if opts.IncludeInactive || a.ActiveAt(at) {
			out.Allocations = append(out.Allocations, a.Clone())
		}
	}
	return &out
}
