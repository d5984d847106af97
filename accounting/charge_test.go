package accounting_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// ABSOLUTE CHARGES
// =============================================================================

func TestCharge_SequentialUnitCharges(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.Project("p1"), cpu, 1000)

	first := f.charge(accounting.Project("p1"), cpu, 1)
	assert.True(t, first.Success)
	f.requireBalances(root, 999, 999)

	second := f.charge(accounting.Project("p1"), cpu, 1)
	assert.True(t, second.Success)
	f.requireBalances(root, 998, 998)

	f.requireConsistent(root)
}

func TestCharge_AncestorGoesNegative(t *testing.T) {
	f := newFixture(t)

	// GIVEN: root(1000) -> mid(500) -> leaf(500)
	root := f.root(accounting.Project("root"), cpu, 1000)
	mid := f.sub(root, accounting.Project("mid"), 500)
	leaf := f.sub(mid, accounting.User("leaf"), 500)

	// AND: the leaf used 50, the mid project used 350 itself
	f.charge(accounting.User("leaf"), cpu, 50)
	f.charge(accounting.Project("mid"), cpu, 350)
	f.requireBalances(leaf, 450, 450)
	f.requireBalances(mid, 100, 150)
	f.requireBalances(root, 600, 1000)

	// WHEN: the leaf charges more than mid has left
	result := f.charge(accounting.User("leaf"), cpu, 150)

	// THEN: the charge is applied but reported as failed
	assert.False(t, result.Success)
	assert.True(t, result.Delta.Equal(dec(150)))
	f.requireBalances(leaf, 300, 300)
	f.requireBalances(mid, -50, 150)
	f.requireBalances(root, 450, 1000)
	f.requireConsistent(root)

	// AND: the entries cover leaf and both ancestors, root first
	require.Len(t, result.Entries, 3)
	assert.Equal(t, root, result.Entries[0].AllocationID)
	assert.Equal(t, mid, result.Entries[1].AllocationID)
	assert.Equal(t, leaf, result.Entries[2].AllocationID)
	assert.True(t, result.Entries[2].LocalDelta.Equal(dec(-150)))
	assert.True(t, result.Entries[0].LocalDelta.IsZero())
}

func TestCharge_ExpireFirstDistribution(t *testing.T) {
	f := newFixture(t)
	alice := accounting.User("alice")

	later := f.rootWindow(alice, cpu, 100, testNow.AddDate(0, 0, -1), daysFromNow(300))
	soon := f.rootWindow(alice, cpu, 30, testNow.AddDate(0, 0, -1), daysFromNow(10))
	never := f.rootWindow(alice, cpu, 1000, testNow.AddDate(0, 0, -1), nil)

	result := f.charge(alice, cpu, 50)
	assert.True(t, result.Success)
	f.requireBalances(soon, 0, 0)
	f.requireBalances(later, 80, 80)
	f.requireBalances(never, 1000, 1000)
}

func TestCharge_ShortfallLandsOnFirstAllocation(t *testing.T) {
	f := newFixture(t)
	alice := accounting.User("alice")

	soon := f.rootWindow(alice, cpu, 30, testNow.AddDate(0, 0, -1), daysFromNow(10))
	later := f.rootWindow(alice, cpu, 100, testNow.AddDate(0, 0, -1), daysFromNow(300))

	result := f.charge(alice, cpu, 200)

	assert.False(t, result.Success)
	f.requireBalances(soon, -70, -70)
	f.requireBalances(later, 0, 0)

	wallet, err := f.svc.FindWallet(f.ctx, alice, cpu, accounting.FindOptions{})
	require.NoError(t, err)
	assert.True(t, wallet.Locked())
	assert.True(t, wallet.TotalTreeBalance().Equal(dec(-70)))
}

func TestCharge_WalletWithoutAllocations(t *testing.T) {
	f := newFixture(t)

	result := f.charge(accounting.User("nobody"), cpu, 5)

	assert.False(t, result.Success)
	assert.Empty(t, result.Entries)

	tx, err := f.svc.Transaction(f.ctx, result.TransactionID)
	require.NoError(t, err)
	assert.False(t, tx.Success)
	assert.Equal(t, accounting.TxCharge, tx.Kind)
}

func TestCharge_ZeroAmountSucceeds(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.User("alice"), cpu, 10)
	f.charge(accounting.User("alice"), cpu, 15)

	result := f.charge(accounting.User("alice"), cpu, 0)

	assert.True(t, result.Success, "a zero delta succeeds even on a negative wallet")
	f.requireBalances(root, -5, -5)
}

func TestCharge_LapsedAllocationsAreNotCharged(t *testing.T) {
	f := newFixture(t)
	alice := accounting.User("alice")

	expired := f.rootWindow(alice, cpu, 100, testNow.AddDate(0, -2, 0), daysFromNow(-1))
	future := f.rootWindow(alice, cpu, 100, testNow.AddDate(0, 0, 5), daysFromNow(30))

	result := f.charge(alice, cpu, 10)

	assert.False(t, result.Success, "no allocation is active")
	f.requireBalances(expired, 100, 100)
	f.requireBalances(future, 100, 100)
}

// =============================================================================
// DIFFERENTIAL CHARGES
// =============================================================================

func differential(owner accounting.Owner, level int64) accounting.ChargeRequest {
	return accounting.ChargeRequest{
		Owner:        owner,
		Category:     storage,
		Units:        dec(level),
		Periods:      1,
		PricePerUnit: dec(1),
		Kind:         accounting.ChargeDifferential,
	}
}

func TestCharge_DifferentialLevels(t *testing.T) {
	f := newFixture(t)
	archive := accounting.Project("archive")
	soon := f.rootWindow(archive, storage, 100, testNow.AddDate(0, 0, -1), daysFromNow(30))
	later := f.rootWindow(archive, storage, 100, testNow.AddDate(0, 0, -1), daysFromNow(90))

	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{differential(archive, 150)})
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.True(t, results[0].Delta.Equal(dec(150)))
	f.requireBalances(soon, 0, 0)
	f.requireBalances(later, 50, 50)

	// WHEN: usage drops to 120
	results, err = f.svc.Charge(f.ctx, []accounting.ChargeRequest{differential(archive, 120)})
	require.NoError(t, err)

	// THEN: the net delta is a refund of 30 and the level is redistributed
	assert.True(t, results[0].Delta.Equal(dec(-30)))
	f.requireBalances(soon, 0, 0)
	f.requireBalances(later, 80, 80)
	assert.True(t, f.alloc(soon).DifferentialUsage.Equal(dec(100)))
	assert.True(t, f.alloc(later).DifferentialUsage.Equal(dec(20)))

	f.requireConsistent(soon, later)
}

func TestCharge_DifferentialZeroRecovers(t *testing.T) {
	f := newFixture(t)
	archive := accounting.Project("archive")
	root := f.root(archive, storage, 100)

	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{differential(archive, 150)})
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	f.requireBalances(root, -50, -50)

	results, err = f.svc.Charge(f.ctx, []accounting.ChargeRequest{differential(archive, 0)})
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.True(t, results[0].Delta.Equal(dec(-150)))
	f.requireBalances(root, 100, 100)
	assert.True(t, f.alloc(root).DifferentialUsage.IsZero())
}

func TestCharge_SameDifferentialLevelIsZeroDelta(t *testing.T) {
	f := newFixture(t)
	archive := accounting.Project("archive")
	root := f.root(archive, storage, 100)

	_, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{differential(archive, 40)})
	require.NoError(t, err)
	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{differential(archive, 40)})
	require.NoError(t, err)

	assert.True(t, results[0].Success)
	assert.True(t, results[0].Delta.IsZero())
	assert.Empty(t, results[0].Entries)
	f.requireBalances(root, 60, 60)
}

// =============================================================================
// BATCHES AND VALIDATION
// =============================================================================

func TestCharge_BatchItemsAreIndependent(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.User("alice"), cpu, 100)

	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{
		{Owner: accounting.User("alice"), Category: cpu, Units: dec(10), Periods: 1, PricePerUnit: dec(1)},
		{Owner: accounting.User("alice"), Category: accounting.CategoryID{Name: "gpu", Provider: "ucloud"}, Units: dec(1), Periods: 1, PricePerUnit: dec(1)},
		{Owner: accounting.User("alice"), Category: cpu, Units: dec(200), Periods: 1, PricePerUnit: dec(1)},
		{Owner: accounting.User("alice"), Category: cpu, Units: dec(5), Periods: 0, PricePerUnit: dec(1)},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Success)
	assert.ErrorIs(t, results[1].Err, accounting.ErrUnknownCategory)
	assert.NoError(t, results[2].Err)
	assert.False(t, results[2].Success)
	assert.True(t, accounting.IsClientError(results[3].Err))

	f.requireBalances(root, -110, -110)
}

func TestCharge_MalformedReferenceRejectsBatch(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.User("alice"), cpu, 100)

	_, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{
		{Owner: accounting.User("alice"), Category: cpu, Units: dec(10), Periods: 1, PricePerUnit: dec(1)},
		{Owner: accounting.Owner{Kind: accounting.OwnerUser}, Category: cpu, Units: dec(1), Periods: 1, PricePerUnit: dec(1)},
	})

	require.Error(t, err)
	assert.True(t, accounting.IsClientError(err))
	f.requireBalances(root, 100, 100)
}

func TestCharge_ItemValidation(t *testing.T) {
	f := newFixture(t)
	f.root(accounting.User("alice"), cpu, 100)
	alice := accounting.User("alice")

	tests := []struct {
		name string
		req  accounting.ChargeRequest
		want error
	}{
		{"negative units", accounting.ChargeRequest{Owner: alice, Category: cpu, Units: dec(-1), Periods: 1, PricePerUnit: dec(1)}, accounting.ErrBadRequest},
		{"zero periods", accounting.ChargeRequest{Owner: alice, Category: cpu, Units: dec(1), Periods: 0, PricePerUnit: dec(1)}, accounting.ErrBadRequest},
		{"negative price", accounting.ChargeRequest{Owner: alice, Category: cpu, Units: dec(1), Periods: 1, PricePerUnit: dec(-1)}, accounting.ErrBadRequest},
		{"differential on absolute", accounting.ChargeRequest{Owner: alice, Category: cpu, Units: dec(1), Periods: 1, PricePerUnit: dec(1), Kind: accounting.ChargeDifferential}, accounting.ErrCategoryMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{tt.req})
			require.NoError(t, err)
			assert.ErrorIs(t, results[0].Err, tt.want)
		})
	}
}

func TestCharge_AmountIsUnitsTimesPeriodsTimesPrice(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.User("alice"), cpu, 1000)

	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{{
		Owner:        accounting.User("alice"),
		Category:     cpu,
		Units:        dec(4),
		Periods:      30,
		PricePerUnit: dec(2),
		Items: []accounting.Item{
			{Description: "node-1", Amount: dec(120)},
			{Description: "node-2", Amount: dec(120)},
		},
	}})
	require.NoError(t, err)
	assert.True(t, results[0].Delta.Equal(dec(240)))
	f.requireBalances(root, 760, 760)

	tx, err := f.svc.Transaction(f.ctx, results[0].TransactionID)
	require.NoError(t, err)
	assert.Len(t, tx.Items, 2)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCharge_ReplayReturnsRecordedResult(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.User("alice"), cpu, 100)

	req := accounting.ChargeRequest{
		TransactionID: "job-42/usage",
		Owner:         accounting.User("alice"),
		Category:      cpu,
		Units:         dec(30),
		Periods:       1,
		PricePerUnit:  dec(1),
	}

	first, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{req})
	require.NoError(t, err)
	f.events.reset()

	// WHEN: the same transaction arrives again
	second, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{req})
	require.NoError(t, err)

	// THEN: nothing is applied twice and nothing is re-emitted
	assert.True(t, second[0].Replayed)
	assert.Equal(t, first[0].Success, second[0].Success)
	assert.True(t, first[0].Delta.Equal(second[0].Delta))
	f.requireBalances(root, 70, 70)
	assert.Empty(t, f.events.forOwner(accounting.User("alice")))
}

func TestCharge_TransactionIDReuse(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.User("alice"), cpu, 100)

	req := accounting.ChargeRequest{
		TransactionID: "job-42/usage",
		Owner:         accounting.User("alice"),
		Category:      cpu,
		Units:         dec(30),
		Periods:       1,
		PricePerUnit:  dec(1),
	}
	_, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{req})
	require.NoError(t, err)

	req.Units = dec(31)
	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{req})
	require.NoError(t, err)

	assert.ErrorIs(t, results[0].Err, accounting.ErrTransactionIDReuse)
	assert.True(t, accounting.IsClientError(results[0].Err))
	f.requireBalances(root, 70, 70)
}

func TestCharge_DepositIDCannotBeReusedForCharge(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RootAllocate(f.ctx, accounting.RootAllocation{
		TransactionID: "grant-1",
		Owner:         accounting.User("alice"),
		Category:      cpu,
		Quota:         dec(100),
		Start:         testNow,
		Privileged:    true,
	})
	require.NoError(t, err)

	results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{{
		TransactionID: "grant-1",
		Owner:         accounting.User("alice"),
		Category:      cpu,
		Units:         dec(1),
		Periods:       1,
		PricePerUnit:  dec(1),
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, accounting.ErrTransactionIDReuse)
}

// =============================================================================
// RESET
// =============================================================================

func TestReset_ZeroesEveryDifferentialWallet(t *testing.T) {
	f := newFixture(t)
	a := f.root(accounting.Project("a"), storage, 100)
	b := f.root(accounting.Project("b"), storage, 100)
	f.root(accounting.Project("a"), cpu, 100)

	_, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{
		differential(accounting.Project("a"), 40),
		differential(accounting.Project("b"), 130),
	})
	require.NoError(t, err)

	results, err := f.svc.Reset(f.ctx, storage, accounting.ResetOptions{Admin: true, TransactionPrefix: "reset-2026-06"})
	require.NoError(t, err)
	require.Len(t, results, 2, "only storage wallets are reset")
	for _, r := range results {
		assert.True(t, r.Success)
	}
	f.requireBalances(a, 100, 100)
	f.requireBalances(b, 100, 100)

	// AND: repeating the reset with the same prefix replays
	again, err := f.svc.Reset(f.ctx, storage, accounting.ResetOptions{Admin: true, TransactionPrefix: "reset-2026-06"})
	require.NoError(t, err)
	for _, r := range again {
		assert.True(t, r.Replayed)
	}

	tx, err := f.svc.Transaction(f.ctx, results[0].TransactionID)
	require.NoError(t, err)
	assert.Equal(t, accounting.TxReset, tx.Kind)
	assert.Equal(t, "admin", tx.InitiatedBy)
}

func TestReset_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Reset(f.ctx, storage, accounting.ResetOptions{})
	assert.ErrorIs(t, err, accounting.ErrForbidden)

	_, err = f.svc.Reset(f.ctx, cpu, accounting.ResetOptions{Admin: true})
	assert.ErrorIs(t, err, accounting.ErrBadRequest)

	_, err = f.svc.Reset(f.ctx, accounting.CategoryID{Name: "gpu", Provider: "x"}, accounting.ResetOptions{Admin: true})
	assert.ErrorIs(t, err, accounting.ErrUnknownCategory)
}
