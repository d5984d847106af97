package accounting_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
	"github.com/warp/accounting-engine/accounting/store"
	"github.com/warp/accounting-engine/catalog"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	cpu     = accounting.CategoryID{Name: "cpu", Provider: "ucloud"}
	storage = accounting.CategoryID{Name: "storage", Provider: "ucloud"}

	testNow = time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func daysFromNow(n int) *time.Time {
	t := testNow.AddDate(0, 0, n)
	return &t
}

// recorder collects emitted wallet events.
type recorder struct {
	mu     sync.Mutex
	events []accounting.WalletUpdated
}

func (r *recorder) Emit(_ context.Context, ev accounting.WalletUpdated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) forOwner(owner accounting.Owner) []accounting.WalletUpdated {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []accounting.WalletUpdated
	for _, ev := range r.events {
		if ev.Owner == owner {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	svc    *accounting.Service
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, accounting.Options{})
}

func newFixtureWith(t *testing.T, opts accounting.Options) *fixture {
	t.Helper()
	cat, err := catalog.New(
		accounting.ProductCategory{ID: cpu, Model: accounting.ChargeAbsolute, Frequency: accounting.FrequencyPerMinute, Unit: "core-minutes"},
		accounting.ProductCategory{ID: storage, Model: accounting.ChargeDifferential, Frequency: accounting.FrequencyPerDay, Unit: "GB"},
	)
	require.NoError(t, err)

	var seq atomic.Int64
	events := &recorder{}
	mem := store.NewMemory()

	if opts.Emitter == nil {
		opts.Emitter = events
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return testNow }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) }
	}
	opts.Logger = zerolog.Nop()

	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  mem,
		svc:    accounting.NewService(mem, cat, opts),
		events: events,
	}
}

// root grants quota to owner for a year.
func (f *fixture) root(owner accounting.Owner, category accounting.CategoryID, quota int64) accounting.AllocationID {
	f.t.Helper()
	return f.rootWindow(owner, category, quota, testNow.AddDate(0, 0, -1), daysFromNow(365))
}

func (f *fixture) rootWindow(owner accounting.Owner, category accounting.CategoryID, quota int64, start time.Time, end *time.Time) accounting.AllocationID {
	f.t.Helper()
	id, err := f.svc.RootAllocate(f.ctx, accounting.RootAllocation{
		Owner:       owner,
		Category:    category,
		Quota:       dec(quota),
		Start:       start,
		End:         end,
		CanAllocate: true,
		Privileged:  true,
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) sub(parent accounting.AllocationID, owner accounting.Owner, quota int64) accounting.AllocationID {
	f.t.Helper()
	id, err := f.svc.SubAllocate(f.ctx, accounting.SubAllocation{
		ParentID:    parent,
		Owner:       owner,
		Quota:       dec(quota),
		InheritEnd:  true,
		CanAllocate: true,
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) charge(owner accounting.Owner, category accounting.CategoryID, amount int64) accounting.ChargeResult {
	f.t.Helper()
	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{{
		Owner:        owner,
		Category:     category,
		Units:        dec(amount),
		Periods:      1,
		PricePerUnit: dec(1),
	}})
	require.NoError(f.t, err)
	require.Len(f.t, results, 1)
	require.NoError(f.t, results[0].Err)
	return results[0]
}

func (f *fixture) alloc(id accounting.AllocationID) accounting.Allocation {
	f.t.Helper()
	a, err := f.svc.GetAllocation(f.ctx, id)
	require.NoError(f.t, err)
	return a
}

// requireBalances checks tree and local balance of an allocation.
func (f *fixture) requireBalances(id accounting.AllocationID, tree, local int64) {
	f.t.Helper()
	a := f.alloc(id)
	require.Truef(f.t, a.TreeBalance.Equal(dec(tree)), "%s tree balance: got %s, want %d", id, a.TreeBalance, tree)
	require.Truef(f.t, a.LocalBalance.Equal(dec(local)), "%s local balance: got %s, want %d", id, a.LocalBalance, local)
}

// requireConsistent checks the balance identities over every allocation
// reachable from roots:
//
//	Quota - TreeBalance = Σ (Quota - LocalBalance) over the subtree
//	TreeBalance and LocalBalance = Σ of the ledger entries for the allocation
func (f *fixture) requireConsistent(roots ...accounting.AllocationID) {
	f.t.Helper()

	var all []accounting.Allocation
	for _, id := range roots {
		all = append(all, f.alloc(id))
		desc, err := f.svc.Descendants(f.ctx, id)
		require.NoError(f.t, err)
		all = append(all, desc...)
	}

	byID := make(map[accounting.AllocationID]accounting.Allocation, len(all))
	for _, a := range all {
		byID[a.ID] = a
	}

	for _, a := range all {
		used := decimal.Zero
		for _, d := range all {
			if d.Depth() >= a.Depth() && d.Path[a.Depth()] == a.ID {
				used = used.Add(d.Quota.Sub(d.LocalBalance))
			}
		}
		require.Truef(f.t, a.Quota.Sub(a.TreeBalance).Equal(used),
			"%s: quota-tree %s != subtree usage %s", a.ID, a.Quota.Sub(a.TreeBalance), used)
	}

	seen := make(map[accounting.TransactionID]bool)
	tree := make(map[accounting.AllocationID]decimal.Decimal)
	local := make(map[accounting.AllocationID]decimal.Decimal)
	for _, a := range all {
		history, err := f.svc.Ledger.History(f.ctx, a.WalletID, 0)
		require.NoError(f.t, err)
		for _, tx := range history {
			if seen[tx.ID] {
				continue
			}
			seen[tx.ID] = true
			for _, e := range tx.Entries {
				tree[e.AllocationID] = tree[e.AllocationID].Add(e.TreeDelta)
				local[e.AllocationID] = local[e.AllocationID].Add(e.LocalDelta)
			}
		}
	}
	for id, a := range byID {
		require.Truef(f.t, tree[id].Equal(a.TreeBalance), "%s: ledger tree sum %s != %s", id, tree[id], a.TreeBalance)
		require.Truef(f.t, local[id].Equal(a.LocalBalance), "%s: ledger local sum %s != %s", id, local[id], a.LocalBalance)
	}
}
