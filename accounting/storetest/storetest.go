// Package storetest holds the behaviour every accounting.TxStore must share.
// Each store package runs the suite against its own backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
)

var (
	cpu   = accounting.CategoryID{Name: "cpu", Provider: "ucloud"}
	epoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// Run executes the suite. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) accounting.TxStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s accounting.TxStore)
	}{
		{"AllocationRoundTrip", testAllocationRoundTrip},
		{"UpdateAllocation", testUpdateAllocation},
		{"Descendants", testDescendants},
		{"AllocationsEndingBetween", testAllocationsEndingBetween},
		{"Wallets", testWallets},
		{"Transactions", testTransactions},
		{"WithTxRollback", testWithTxRollback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func at(days int) time.Time { return epoch.AddDate(0, 0, days) }

func walletRecord(owner accounting.Owner, created time.Time) accounting.WalletRecord {
	return accounting.WalletRecord{
		ID:        accounting.NewWalletID(owner, cpu),
		Owner:     owner,
		Category:  cpu,
		Policy:    accounting.PolicyExpireFirst,
		CreatedAt: created,
	}
}

func newAllocation(id string, parent *accounting.Allocation, owner accounting.Owner, quota int64, end *time.Time, created time.Time) accounting.Allocation {
	a := accounting.Allocation{
		ID:                accounting.AllocationID(id),
		Path:              []accounting.AllocationID{accounting.AllocationID(id)},
		WalletID:          accounting.NewWalletID(owner, cpu),
		Owner:             owner,
		Category:          cpu,
		Quota:             dec(quota),
		LocalBalance:      dec(quota),
		TreeBalance:       dec(quota),
		DifferentialUsage: decimal.Zero,
		Window:            accounting.NewWindow(epoch, end),
		CanAllocate:       true,
		CreatedAt:         created,
	}
	if parent != nil {
		pid := parent.ID
		a.ParentID = &pid
		a.Path = append(append([]accounting.AllocationID(nil), parent.Path...), a.ID)
	}
	return a
}

func insert(t *testing.T, s accounting.Store, allocations ...accounting.Allocation) {
	t.Helper()
	ctx := context.Background()
	for _, a := range allocations {
		require.NoError(t, s.SaveWallet(ctx, accounting.WalletRecord{
			ID: a.WalletID, Owner: a.Owner, Category: a.Category,
			Policy: accounting.PolicyExpireFirst, CreatedAt: a.CreatedAt,
		}))
		require.NoError(t, s.InsertAllocation(ctx, a))
	}
}

func ids(allocations []accounting.Allocation) []accounting.AllocationID {
	out := make([]accounting.AllocationID, 0, len(allocations))
	for _, a := range allocations {
		out = append(out, a.ID)
	}
	return out
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func testAllocationRoundTrip(t *testing.T, s accounting.TxStore) {
	ctx := context.Background()
	end := at(365)
	root := newAllocation("root", nil, accounting.Project("p1"), 1000, &end, at(0))
	child := newAllocation("child", &root, accounting.User("alice"), 250, &end, at(1))
	child.CanAllocate = false
	insert(t, s, root, child)

	got, err := s.GetAllocation(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, root.ID, *got.ParentID)
	assert.Equal(t, []accounting.AllocationID{"root", "child"}, got.Path)
	assert.Equal(t, child.WalletID, got.WalletID)
	assert.Equal(t, child.Owner, got.Owner)
	assert.Equal(t, cpu, got.Category)
	assert.True(t, got.Quota.Equal(dec(250)))
	assert.True(t, got.LocalBalance.Equal(dec(250)))
	assert.True(t, got.TreeBalance.Equal(dec(250)))
	assert.True(t, got.DifferentialUsage.IsZero())
	assert.True(t, got.Window.Start.Equal(epoch))
	require.NotNil(t, got.Window.End)
	assert.True(t, got.Window.End.Equal(end))
	assert.False(t, got.CanAllocate)
	assert.True(t, got.CreatedAt.Equal(at(1)))

	gotRoot, err := s.GetAllocation(ctx, "root")
	require.NoError(t, err)
	assert.Nil(t, gotRoot.ParentID)
	assert.True(t, gotRoot.IsRoot())

	byWallet, err := s.AllocationsByWallet(ctx, child.WalletID)
	require.NoError(t, err)
	assert.Equal(t, []accounting.AllocationID{"child"}, ids(byWallet))

	byOwner, err := s.AllocationsByOwner(ctx, accounting.Project("p1"))
	require.NoError(t, err)
	assert.Equal(t, []accounting.AllocationID{"root"}, ids(byOwner))

	_, err = s.GetAllocation(ctx, "missing")
	assert.ErrorIs(t, err, accounting.ErrAllocationNotFound)
}

func testUpdateAllocation(t *testing.T, s accounting.TxStore) {
	ctx := context.Background()
	a := newAllocation("a", nil, accounting.User("alice"), 100, nil, at(0))
	insert(t, s, a)

	end := at(30)
	a.Quota = dec(150)
	a.LocalBalance = dec(-5)
	a.TreeBalance = decimal.RequireFromString("-5.25")
	a.DifferentialUsage = dec(40)
	a.Window = accounting.NewWindow(at(1), &end)
	require.NoError(t, s.UpdateAllocation(ctx, a))

	got, err := s.GetAllocation(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Quota.Equal(dec(150)))
	assert.True(t, got.LocalBalance.Equal(dec(-5)))
	assert.True(t, got.TreeBalance.Equal(decimal.RequireFromString("-5.25")))
	assert.True(t, got.DifferentialUsage.Equal(dec(40)))
	assert.True(t, got.Window.Start.Equal(at(1)))
	require.NotNil(t, got.Window.End)
	assert.True(t, got.Window.End.Equal(end))

	missing := newAllocation("missing", nil, accounting.User("alice"), 1, nil, at(0))
	assert.ErrorIs(t, s.UpdateAllocation(ctx, missing), accounting.ErrAllocationNotFound)
}

func testDescendants(t *testing.T, s accounting.TxStore) {
	ctx := context.Background()
	r1 := newAllocation("r-1", nil, accounting.Project("p1"), 100, nil, at(0))
	r10 := newAllocation("r-10", nil, accounting.Project("p10"), 100, nil, at(0))
	mid := newAllocation("mid", &r1, accounting.Project("lab"), 50, nil, at(1))
	leafB := newAllocation("leaf-b", &mid, accounting.User("bob"), 10, nil, at(2))
	leafA := newAllocation("leaf-a", &mid, accounting.User("alice"), 10, nil, at(2))
	other := newAllocation("other", &r10, accounting.User("carol"), 10, nil, at(2))
	insert(t, s, r1, r10, mid, leafB, leafA, other)

	desc, err := s.Descendants(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, []accounting.AllocationID{"mid", "leaf-a", "leaf-b"}, ids(desc), "depth first, then id; r-10 is not a prefix match")

	desc, err = s.Descendants(ctx, "mid")
	require.NoError(t, err)
	assert.Equal(t, []accounting.AllocationID{"leaf-a", "leaf-b"}, ids(desc))

	desc, err = s.Descendants(ctx, "leaf-a")
	require.NoError(t, err)
	assert.Empty(t, desc)

	_, err = s.Descendants(ctx, "missing")
	assert.ErrorIs(t, err, accounting.ErrAllocationNotFound)
}

func testAllocationsEndingBetween(t *testing.T, s accounting.TxStore) {
	ctx := context.Background()
	e5, e10, e20 := at(5), at(10), at(20)
	insert(t, s,
		newAllocation("ends-5", nil, accounting.User("a"), 1, &e5, at(0)),
		newAllocation("ends-10", nil, accounting.User("b"), 1, &e10, at(0)),
		newAllocation("ends-20", nil, accounting.User("c"), 1, &e20, at(0)),
		newAllocation("never", nil, accounting.User("d"), 1, nil, at(0)),
	)

	got, err := s.AllocationsEndingBetween(ctx, at(5), at(10))
	require.NoError(t, err)
	assert.Equal(t, []accounting.AllocationID{"ends-10"}, ids(got), "from is exclusive, to is inclusive")

	got, err = s.AllocationsEndingBetween(ctx, at(0), at(30))
	require.NoError(t, err)
	assert.Equal(t, []accounting.AllocationID{"ends-10", "ends-20", "ends-5"}, ids(got))
}

// =============================================================================
// WALLETS
// =============================================================================

func testWallets(t *testing.T, s accounting.TxStore) {
	ctx := context.Background()
	alice := walletRecord(accounting.User("alice"), at(0))
	require.NoError(t, s.SaveWallet(ctx, alice))

	again := alice
	again.CreatedAt = at(9)
	require.NoError(t, s.SaveWallet(ctx, again), "saving an existing wallet is a no-op")

	got, err := s.GetWallet(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.Owner, got.Owner)
	assert.Equal(t, cpu, got.Category)
	assert.Equal(t, accounting.PolicyExpireFirst, got.Policy)
	assert.True(t, got.CreatedAt.Equal(at(0)))

	storage := accounting.CategoryID{Name: "storage", Provider: "ucloud"}
	aliceStorage := accounting.WalletRecord{
		ID: accounting.NewWalletID(accounting.User("alice"), storage), Owner: accounting.User("alice"),
		Category: storage, Policy: accounting.PolicyExpireFirst, CreatedAt: at(1),
	}
	require.NoError(t, s.SaveWallet(ctx, aliceStorage))
	require.NoError(t, s.SaveWallet(ctx, walletRecord(accounting.User("bob"), at(2))))

	byOwner, err := s.WalletsByOwner(ctx, accounting.User("alice"))
	require.NoError(t, err)
	require.Len(t, byOwner, 2)
	assert.Equal(t, alice.ID, byOwner[0].ID)
	assert.Equal(t, aliceStorage.ID, byOwner[1].ID)

	byCategory, err := s.WalletsByCategory(ctx, cpu)
	require.NoError(t, err)
	require.Len(t, byCategory, 2)
	assert.Equal(t, accounting.User("alice"), byCategory[0].Owner)
	assert.Equal(t, accounting.User("bob"), byCategory[1].Owner)

	_, err = s.GetWallet(ctx, "user:nobody|cpu@ucloud")
	assert.ErrorIs(t, err, accounting.ErrWalletNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTransactions(t *testing.T, s accounting.TxStore) {
	ctx := context.Background()
	end := at(365)
	root := newAllocation("root", nil, accounting.Project("p1"), 1000, &end, at(0))
	leaf := newAllocation("leaf", &root, accounting.User("alice"), 100, &end, at(0))
	insert(t, s, root, leaf)

	rootID := root.ID
	deposit := accounting.Transaction{
		ID:           "tx-deposit",
		Kind:         accounting.TxRootDeposit,
		WalletID:     root.WalletID,
		Owner:        root.Owner,
		Category:     cpu,
		Delta:        dec(1000),
		Success:      true,
		Fingerprint:  "fp-1",
		AllocationID: &rootID,
		Entries:      []accounting.Entry{{AllocationID: "root", WalletID: root.WalletID, LocalDelta: dec(1000), TreeDelta: dec(1000)}},
		Description:  "grant",
		InitiatedBy:  "admin",
		CreatedAt:    at(0),
	}
	charge := accounting.Transaction{
		ID:          "tx-charge",
		Kind:        accounting.TxCharge,
		WalletID:    leaf.WalletID,
		Owner:       leaf.Owner,
		Category:    cpu,
		Delta:       decimal.RequireFromString("12.5"),
		Success:     false,
		Fingerprint: "fp-2",
		Entries: []accounting.Entry{
			{AllocationID: "root", WalletID: root.WalletID, LocalDelta: decimal.Zero, TreeDelta: decimal.RequireFromString("-12.5")},
			{AllocationID: "leaf", WalletID: leaf.WalletID, LocalDelta: decimal.RequireFromString("-12.5"), TreeDelta: decimal.RequireFromString("-12.5")},
		},
		Items:     []accounting.Item{{Description: "job 7", Amount: decimal.RequireFromString("12.5")}},
		CreatedAt: at(1),
	}
	require.NoError(t, s.AppendTransaction(ctx, deposit))
	require.NoError(t, s.AppendTransaction(ctx, charge))

	dup := charge
	dup.Delta = dec(1)
	assert.ErrorIs(t, s.AppendTransaction(ctx, dup), accounting.ErrDuplicateTransaction)

	got, err := s.GetTransaction(ctx, "tx-charge")
	require.NoError(t, err)
	assert.Equal(t, accounting.TxCharge, got.Kind)
	assert.Equal(t, leaf.WalletID, got.WalletID)
	assert.Equal(t, leaf.Owner, got.Owner)
	assert.True(t, got.Delta.Equal(decimal.RequireFromString("12.5")), "duplicate did not overwrite")
	assert.False(t, got.Success)
	assert.Equal(t, "fp-2", got.Fingerprint)
	assert.Nil(t, got.AllocationID)
	assert.True(t, got.CreatedAt.Equal(at(1)))
	require.Len(t, got.Entries, 2)
	assert.Equal(t, accounting.AllocationID("root"), got.Entries[0].AllocationID)
	assert.True(t, got.Entries[0].TreeDelta.Equal(decimal.RequireFromString("-12.5")))
	assert.True(t, got.Entries[1].LocalDelta.Equal(decimal.RequireFromString("-12.5")))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "job 7", got.Items[0].Description)

	gotDeposit, err := s.GetTransaction(ctx, "tx-deposit")
	require.NoError(t, err)
	require.NotNil(t, gotDeposit.AllocationID)
	assert.Equal(t, rootID, *gotDeposit.AllocationID)
	assert.Equal(t, "grant", gotDeposit.Description)
	assert.Equal(t, "admin", gotDeposit.InitiatedBy)

	history, err := s.TransactionsByWallet(ctx, root.WalletID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2, "the leaf charge touched the root wallet")
	assert.Equal(t, accounting.TransactionID("tx-charge"), history[0].ID)
	assert.Equal(t, accounting.TransactionID("tx-deposit"), history[1].ID)

	limited, err := s.TransactionsByWallet(ctx, root.WalletID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, accounting.TransactionID("tx-charge"), limited[0].ID)

	leafHistory, err := s.TransactionsByWallet(ctx, leaf.WalletID, 0)
	require.NoError(t, err)
	assert.Len(t, leafHistory, 1)

	_, err = s.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, accounting.ErrTransactionNotFound)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func testWithTxRollback(t *testing.T, s accounting.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx accounting.Store) error {
		insert(t, tx, newAllocation("rolled-back", nil, accounting.User("alice"), 1, nil, at(0)))
		require.NoError(t, tx.AppendTransaction(ctx, accounting.Transaction{
			ID: "tx-rolled-back", Kind: accounting.TxRootDeposit, WalletID: accounting.NewWalletID(accounting.User("alice"), cpu),
			Owner: accounting.User("alice"), Category: cpu, Delta: dec(1), CreatedAt: at(0),
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetAllocation(ctx, "rolled-back")
	assert.ErrorIs(t, err, accounting.ErrAllocationNotFound)
	_, err = s.GetTransaction(ctx, "tx-rolled-back")
	assert.ErrorIs(t, err, accounting.ErrTransactionNotFound)
	_, err = s.GetWallet(ctx, accounting.NewWalletID(accounting.User("alice"), cpu))
	assert.ErrorIs(t, err, accounting.ErrWalletNotFound)

	err = s.WithTx(ctx, func(tx accounting.Store) error {
		insert(t, tx, newAllocation("committed", nil, accounting.User("alice"), 1, nil, at(0)))
		return nil
	})
	require.NoError(t, err)
	_, err = s.GetAllocation(ctx, "committed")
	assert.NoError(t, err)
}
