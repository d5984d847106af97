/*
store.go - Persistence interface for allocations, wallets and transactions

PURPOSE:
  Defines the boundary between the accounting state machine and storage.
  Implementations: accounting/store (memory), store/sqlite, store/postgres.

QUERY SHAPES:
  - by ID:                 GetAllocation, GetWallet, GetTransaction
  - by owner:              AllocationsByOwner, WalletsByOwner
  - by product category:   WalletsByCategory
  - by ancestor prefix:    Descendants (every allocation whose Path starts
                           with the given allocation's Path)

TRANSACTIONS:
  Transactions are append-only. AppendTransaction returns
  ErrDuplicateTransaction if the ID exists; there is no update or delete.
  Allocations are never deleted either; they lapse when their window ends.

ATOMICITY:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error nothing it wrote is visible. Implementations map serialization
  failures to ErrConcurrentModification so the engine can retry.
*/
package accounting

import (
	"context"
	"time"
)

// Store handles persistence. Lookups that find nothing return the matching
// not-found sentinel (ErrAllocationNotFound, ErrWalletNotFound,
// ErrTransactionNotFound).
type Store interface {
	GetAllocation(ctx context.Context, id AllocationID) (Allocation, error)
	InsertAllocation(ctx context.Context, a Allocation) error
	// UpdateAllocation persists quota, balances, usage and window.
	// Path, parent and wallet are immutable.
	UpdateAllocation(ctx context.Context, a Allocation) error
	AllocationsByWallet(ctx context.Context, id WalletID) ([]Allocation, error)
	AllocationsByOwner(ctx context.Context, owner Owner) ([]Allocation, error)
	// Descendants returns the strict subtree of id, ordered by depth.
	Descendants(ctx context.Context, id AllocationID) ([]Allocation, error)
	// AllocationsEndingBetween returns allocations with from < End <= to.
	AllocationsEndingBetween(ctx context.Context, from, to time.Time) ([]Allocation, error)

	// SaveWallet inserts the wallet if it does not exist yet.
	SaveWallet(ctx context.Context, w WalletRecord) error
	GetWallet(ctx context.Context, id WalletID) (WalletRecord, error)
	WalletsByOwner(ctx context.Context, owner Owner) ([]WalletRecord, error)
	WalletsByCategory(ctx context.Context, category CategoryID) ([]WalletRecord, error)

	AppendTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	// TransactionsByWallet returns newest first; limit <= 0 means no limit.
	TransactionsByWallet(ctx context.Context, id WalletID, limit int) ([]Transaction, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
