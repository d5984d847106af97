package accounting

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MUTATION - Balance changes staged inside one store transaction
// =============================================================================

// mutation stages balance changes against a transactional store view.
// Every allocation is loaded once; a shared ancestor accumulates the deltas
// of all its charged descendants before being written back.
type mutation struct {
	tx      Store
	loaded  map[AllocationID]*Allocation
	order   []AllocationID
	entries map[AllocationID]*Entry
}

func newMutation(tx Store) *mutation {
	return &mutation{
		tx:      tx,
		loaded:  make(map[AllocationID]*Allocation),
		entries: make(map[AllocationID]*Entry),
	}
}

func (m *mutation) get(ctx context.Context, id AllocationID) (*Allocation, error) {
	if a, ok := m.loaded[id]; ok {
		return a, nil
	}
	a, err := m.tx.GetAllocation(ctx, id)
	if err != nil {
		return nil, err
	}
	m.loaded[id] = &a
	m.order = append(m.order, id)
	return &a, nil
}

// charge deducts amount from the allocation's local and tree balance and
// from the tree balance of every ancestor. A negative amount refunds.
func (m *mutation) charge(ctx context.Context, id AllocationID, amount decimal.Decimal) error {
	a, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	a.LocalBalance = a.LocalBalance.Sub(amount)
	a.TreeBalance = a.TreeBalance.Sub(amount)
	e := m.entry(a)
	e.LocalDelta = e.LocalDelta.Sub(amount)
	e.TreeDelta = e.TreeDelta.Sub(amount)

	for _, ancestorID := range a.AncestorIDs() {
		anc, err := m.get(ctx, ancestorID)
		if err != nil {
			return err
		}
		anc.TreeBalance = anc.TreeBalance.Sub(amount)
		ae := m.entry(anc)
		ae.TreeDelta = ae.TreeDelta.Sub(amount)
	}
	return nil
}

// rebaseline moves quota, local and tree balance of a single allocation by
// diff. Ancestors are not touched.
func (m *mutation) rebaseline(ctx context.Context, id AllocationID, diff decimal.Decimal) error {
	a, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	a.Quota = a.Quota.Add(diff)
	a.LocalBalance = a.LocalBalance.Add(diff)
	a.TreeBalance = a.TreeBalance.Add(diff)
	e := m.entry(a)
	e.LocalDelta = e.LocalDelta.Add(diff)
	e.TreeDelta = e.TreeDelta.Add(diff)
	return nil
}

func (m *mutation) entry(a *Allocation) *Entry {
	e, ok := m.entries[a.ID]
	if !ok {
		e = &Entry{AllocationID: a.ID, WalletID: a.WalletID, LocalDelta: decimal.Zero, TreeDelta: decimal.Zero}
		m.entries[a.ID] = e
	}
	return e
}

// allNonNegative reports whether every touched allocation (charged leaf or
// ancestor) ends with a non-negative tree balance.
func (m *mutation) allNonNegative() bool {
	for id := range m.entries {
		if m.loaded[id].TreeBalance.IsNegative() {
			return false
		}
	}
	return true
}

// changedEntries returns non-zero entries ordered by depth then ID.
func (m *mutation) changedEntries() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.LocalDelta.IsZero() && e.TreeDelta.IsZero() {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := m.loaded[out[i].AllocationID].Depth(), m.loaded[out[j].AllocationID].Depth()
		if di != dj {
			return di < dj
		}
		return out[i].AllocationID < out[j].AllocationID
	})
	return out
}

// wallets lists the wallets with a changed allocation.
func (m *mutation) wallets() []WalletID {
	seen := make(map[WalletID]bool)
	var ids []WalletID
	for _, e := range m.changedEntries() {
		if !seen[e.WalletID] {
			seen[e.WalletID] = true
			ids = append(ids, e.WalletID)
		}
	}
	return ids
}

// flush writes every loaded allocation that has an entry.
func (m *mutation) flush(ctx context.Context) error {
	for _, id := range m.order {
		if _, touched := m.entries[id]; !touched {
			continue
		}
		if err := m.tx.UpdateAllocation(ctx, *m.loaded[id]); err != nil {
			return err
		}
	}
	return nil
}
