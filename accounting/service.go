/*
service.go - Service facade over the accounting components

PURPOSE:
  Wires the wallet index, tree navigator, ledger, charge engine and deposit
  engine over one TxStore and exposes the operations the transport layer
  and the operator CLI call.

EXAMPLE:
  lru, _ := cache.NewLRU(1024)
  svc := accounting.NewService(store, catalog, accounting.Options{
      Cache:   lru,
      Emitter: hub,
      Logger:  log,
  })

  id, _ := svc.RootAllocate(ctx, accounting.RootAllocation{...Privileged: true})
  results, _ := svc.Charge(ctx, []accounting.ChargeRequest{...})
*/
package accounting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Cache       WalletCache
	Emitter     Emitter
	Retry       RetryPolicy
	LockTimeout time.Duration
	Clock       func() time.Time
	// NewID generates allocation and transaction IDs (uuid by default).
	NewID  func() string
	Logger zerolog.Logger
}

const defaultLockTimeout = 2 * time.Second

type Service struct {
	Wallets   *WalletIndex
	Navigator *Navigator
	Ledger    *Ledger
	Charges   *ChargeEngine
	Deposits  *DepositEngine

	store TxStore
	core  *core
}

func NewService(store TxStore, catalog Catalog, opts Options) *Service {
	if opts.Emitter == nil {
		opts.Emitter = NopEmitter{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = defaultID
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	log := opts.Logger.With().Str("component", "accounting").Logger()

	wallets := NewWalletIndex(store, opts.Cache, opts.Clock, log)
	c := &core{
		store:       store,
		catalog:     catalog,
		wallets:     wallets,
		locks:       NewLockManager(),
		emitter:     opts.Emitter,
		retry:       opts.Retry.orDefault(),
		lockTimeout: opts.LockTimeout,
		clock:       opts.Clock,
		newID:       opts.NewID,
		log:         log,
	}
	return &Service{
		Wallets:   wallets,
		Navigator: NewNavigator(store),
		Ledger:    NewLedger(store),
		Charges:   &ChargeEngine{core: c},
		Deposits:  &DepositEngine{core: c},
		store:     store,
		core:      c,
	}
}

// =============================================================================
// MUTATIONS
// =============================================================================

func (s *Service) Charge(ctx context.Context, requests []ChargeRequest) ([]ChargeResult, error) {
	return s.Charges.Charge(ctx, requests)
}

func (s *Service) Reset(ctx context.Context, category CategoryID, opts ResetOptions) ([]ChargeResult, error) {
	return s.Charges.Reset(ctx, category, opts)
}

func (s *Service) SubAllocate(ctx context.Context, req SubAllocation) (AllocationID, error) {
	return s.Deposits.SubAllocate(ctx, req)
}

func (s *Service) RootAllocate(ctx context.Context, req RootAllocation) (AllocationID, error) {
	return s.Deposits.RootAllocate(ctx, req)
}

func (s *Service) UpdateAllocation(ctx context.Context, req AllocationUpdate) error {
	return s.Deposits.UpdateAllocation(ctx, req)
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) GetAllocation(ctx context.Context, id AllocationID) (Allocation, error) {
	return s.store.GetAllocation(ctx, id)
}

func (s *Service) FindWallet(ctx context.Context, owner Owner, category CategoryID, opts FindOptions) (*Wallet, error) {
	return s.Wallets.FindWallet(ctx, owner, category, opts)
}

func (s *Service) FindAllocations(ctx context.Context, owner Owner, category CategoryID, opts FindOptions) ([]Allocation, error) {
	return s.Wallets.FindAllocations(ctx, owner, category, opts)
}

func (s *Service) WalletsByOwner(ctx context.Context, owner Owner, opts FindOptions) ([]Wallet, error) {
	return s.Wallets.WalletsByOwner(ctx, owner, opts)
}

func (s *Service) Ancestors(ctx context.Context, id AllocationID) ([]Allocation, error) {
	return s.Navigator.Ancestors(ctx, id)
}

func (s *Service) Descendants(ctx context.Context, id AllocationID) ([]Allocation, error) {
	return s.Navigator.Descendants(ctx, id)
}

func (s *Service) Transaction(ctx context.Context, id TransactionID) (Transaction, error) {
	return s.Ledger.Lookup(ctx, id)
}

func (s *Service) History(ctx context.Context, owner Owner, category CategoryID, limit int) ([]Transaction, error) {
	return s.Ledger.History(ctx, NewWalletID(owner, category), limit)
}

// =============================================================================
// LAPSE SWEEP
// =============================================================================

// SweepLapsed notifies every wallet that had an allocation lapse in
// (from, to]. Nothing is deleted: the wallet index already hides lapsed
// allocations; the sweep only tells subscribers the balance dropped.
// Returns the number of wallets notified.
func (s *Service) SweepLapsed(ctx context.Context, from, to time.Time) (int, error) {
	lapsed, err := s.store.AllocationsEndingBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}

	seen := make(map[WalletID]bool)
	var ids []WalletID
	for _, a := range lapsed {
		if !seen[a.WalletID] {
			seen[a.WalletID] = true
			ids = append(ids, a.WalletID)
		}
	}
	s.core.notify(ctx, ids)

	if len(ids) > 0 {
		s.core.log.Info().
			Int("allocations", len(lapsed)).
			Int("wallets", len(ids)).
			Time("from", from).
			Time("to", to).
			Msg("lapsed allocations swept")
	}
	return len(ids), nil
}
