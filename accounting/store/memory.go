// Package store provides the in-memory accounting.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps allocations, wallets and transactions in maps. Every value is
// cloned on the way in and out, so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

var _ accounting.TxStore = (*Memory)(nil)

func (m *Memory) GetAllocation(ctx context.Context, id accounting.AllocationID) (accounting.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetAllocation(ctx, id)
}

func (m *Memory) InsertAllocation(ctx context.Context, a accounting.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.InsertAllocation(ctx, a)
}

func (m *Memory) UpdateAllocation(ctx context.Context, a accounting.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateAllocation(ctx, a)
}

func (m *Memory) AllocationsByWallet(ctx context.Context, id accounting.WalletID) ([]accounting.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.AllocationsByWallet(ctx, id)
}

func (m *Memory) AllocationsByOwner(ctx context.Context, owner accounting.Owner) ([]accounting.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.AllocationsByOwner(ctx, owner)
}

func (m *Memory) Descendants(ctx context.Context, id accounting.AllocationID) ([]accounting.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Descendants(ctx, id)
}

func (m *Memory) AllocationsEndingBetween(ctx context.Context, from, to time.Time) ([]accounting.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.AllocationsEndingBetween(ctx, from, to)
}

func (m *Memory) SaveWallet(ctx context.Context, w accounting.WalletRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SaveWallet(ctx, w)
}

func (m *Memory) GetWallet(ctx context.Context, id accounting.WalletID) (accounting.WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetWallet(ctx, id)
}

func (m *Memory) WalletsByOwner(ctx context.Context, owner accounting.Owner) ([]accounting.WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.WalletsByOwner(ctx, owner)
}

func (m *Memory) WalletsByCategory(ctx context.Context, category accounting.CategoryID) ([]accounting.WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.WalletsByCategory(ctx, category)
}

func (m *Memory) AppendTransaction(ctx context.Context, tx accounting.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendTransaction(ctx, tx)
}

func (m *Memory) GetTransaction(ctx context.Context, id accounting.TransactionID) (accounting.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetTransaction(ctx, id)
}

func (m *Memory) TransactionsByWallet(ctx context.Context, id accounting.WalletID, limit int) ([]accounting.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.TransactionsByWallet(ctx, id, limit)
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store's write lock.
func (m *Memory) WithTx(_ context.Context, fn func(accounting.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// =============================================================================
// STATE - Unlocked maps shared by Memory and its transactional view
// =============================================================================

type state struct {
	allocations  map[accounting.AllocationID]accounting.Allocation
	byWallet     map[accounting.WalletID][]accounting.AllocationID
	wallets      map[accounting.WalletID]accounting.WalletRecord
	walletOrder  []accounting.WalletID
	transactions map[accounting.TransactionID]accounting.Transaction
	txByWallet   map[accounting.WalletID][]accounting.TransactionID
}

func newState() *state {
	return &state{
		allocations:  make(map[accounting.AllocationID]accounting.Allocation),
		byWallet:     make(map[accounting.WalletID][]accounting.AllocationID),
		wallets:      make(map[accounting.WalletID]accounting.WalletRecord),
		transactions: make(map[accounting.TransactionID]accounting.Transaction),
		txByWallet:   make(map[accounting.WalletID][]accounting.TransactionID),
	}
}

// clone copies every container. Values are immutable once stored (they are
// cloned on insert), so a shallow copy of each map is enough.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.byWallet {
		c.byWallet[k] = append([]accounting.AllocationID(nil), v...)
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	c.walletOrder = append([]accounting.WalletID(nil), s.walletOrder...)
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.txByWallet {
		c.txByWallet[k] = append([]accounting.TransactionID(nil), v...)
	}
	return c
}

func (s *state) GetAllocation(_ context.Context, id accounting.AllocationID) (accounting.Allocation, error) {
	a, ok := s.allocations[id]
	if !ok {
		return accounting.Allocation{}, accounting.ErrAllocationNotFound
	}
	return a.Clone(), nil
}

func (s *state) InsertAllocation(_ context.Context, a accounting.Allocation) error {
	if _, exists := s.allocations[a.ID]; exists {
		return &accounting.ValidationError{Field: "id", Reason: "allocation " + string(a.ID) + " already exists"}
	}
	s.allocations[a.ID] = a.Clone()
	s.byWallet[a.WalletID] = append(s.byWallet[a.WalletID], a.ID)
	return nil
}

func (s *state) UpdateAllocation(_ context.Context, a accounting.Allocation) error {
	current, ok := s.allocations[a.ID]
	if !ok {
		return accounting.ErrAllocationNotFound
	}
	current.Quota = a.Quota
	current.LocalBalance = a.LocalBalance
	current.TreeBalance = a.TreeBalance
	current.DifferentialUsage = a.DifferentialUsage
	current.Window = a.Window.Clone()
	s.allocations[a.ID] = current
	return nil
}

func (s *state) AllocationsByWallet(_ context.Context, id accounting.WalletID) ([]accounting.Allocation, error) {
	ids := s.byWallet[id]
	out := make([]accounting.Allocation, 0, len(ids))
	for _, aid := range ids {
		out = append(out, s.allocations[aid].Clone())
	}
	return out, nil
}

func (s *state) AllocationsByOwner(_ context.Context, owner accounting.Owner) ([]accounting.Allocation, error) {
	var out []accounting.Allocation
	for _, wid := range s.walletOrder {
		if s.wallets[wid].Owner != owner {
			continue
		}
		for _, aid := range s.byWallet[wid] {
			out = append(out, s.allocations[aid].Clone())
		}
	}
	return out, nil
}

func (s *state) Descendants(_ context.Context, id accounting.AllocationID) ([]accounting.Allocation, error) {
	root, ok := s.allocations[id]
	if !ok {
		return nil, accounting.ErrAllocationNotFound
	}
	depth := len(root.Path)

	var out []accounting.Allocation
	for _, a := range s.allocations {
		if len(a.Path) > depth && a.Path[depth-1] == id {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Path) != len(out[j].Path) {
			return len(out[i].Path) < len(out[j].Path)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) AllocationsEndingBetween(_ context.Context, from, to time.Time) ([]accounting.Allocation, error) {
	var out []accounting.Allocation
	for _, a := range s.allocations {
		end := a.Window.End
		if end != nil && end.After(from) && !end.After(to) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveWallet(_ context.Context, w accounting.WalletRecord) error {
	if _, exists := s.wallets[w.ID]; exists {
		return nil
	}
	s.wallets[w.ID] = w
	s.walletOrder = append(s.walletOrder, w.ID)
	return nil
}

func (s *state) GetWallet(_ context.Context, id accounting.WalletID) (accounting.WalletRecord, error) {
	w, ok := s.wallets[id]
	if !ok {
		return accounting.WalletRecord{}, accounting.ErrWalletNotFound
	}
	return w, nil
}

func (s *state) WalletsByOwner(_ context.Context, owner accounting.Owner) ([]accounting.WalletRecord, error) {
	return s.walletsWhere(func(w accounting.WalletRecord) bool { return w.Owner == owner }), nil
}

func (s *state) WalletsByCategory(_ context.Context, category accounting.CategoryID) ([]accounting.WalletRecord, error) {
	return s.walletsWhere(func(w accounting.WalletRecord) bool { return w.Category == category }), nil
}

func (s *state) walletsWhere(match func(accounting.WalletRecord) bool) []accounting.WalletRecord {
	var out []accounting.WalletRecord
	for _, id := range s.walletOrder {
		if w := s.wallets[id]; match(w) {
			out = append(out, w)
		}
	}
	return out
}

func (s *state) AppendTransaction(_ context.Context, tx accounting.Transaction) error {
	if _, exists := s.transactions[tx.ID]; exists {
		return accounting.ErrDuplicateTransaction
	}
	s.transactions[tx.ID] = cloneTransaction(tx)

	seen := map[accounting.WalletID]bool{tx.WalletID: true}
	s.txByWallet[tx.WalletID] = append(s.txByWallet[tx.WalletID], tx.ID)
	for _, e := range tx.Entries {
		if !seen[e.WalletID] {
			seen[e.WalletID] = true
			s.txByWallet[e.WalletID] = append(s.txByWallet[e.WalletID], tx.ID)
		}
	}
	return nil
}

func (s *state) GetTransaction(_ context.Context, id accounting.TransactionID) (accounting.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return accounting.Transaction{}, accounting.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *state) TransactionsByWallet(_ context.Context, id accounting.WalletID, limit int) ([]accounting.Transaction, error) {
	ids := s.txByWallet[id]
	out := make([]accounting.Transaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneTransaction(s.transactions[ids[i]]))
	}
	return out, nil
}

func cloneTransaction(tx accounting.Transaction) accounting.Transaction {
	c := tx
	c.Entries = append([]accounting.Entry(nil), tx.Entries...)
	c.Items = append([]accounting.Item(nil), tx.Items...)
	if tx.AllocationID != nil {
		id := *tx.AllocationID
		c.AllocationID = &id
	}
	return c
}
