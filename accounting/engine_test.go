package accounting_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentChargesUnderSharedAncestor(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.Project("p1"), cpu, 10000)

	const users, chargesPerUser = 8, 25
	leaves := make([]accounting.AllocationID, users)
	for i := range leaves {
		leaves[i] = f.sub(root, accounting.User(fmt.Sprintf("u%d", i)), 1000)
	}

	var wg sync.WaitGroup
	errs := make(chan error, users*chargesPerUser)
	for i := 0; i < users; i++ {
		for j := 0; j < chargesPerUser; j++ {
			wg.Add(1)
			go func(user int) {
				defer wg.Done()
				results, err := f.svc.Charge(context.Background(), []accounting.ChargeRequest{{
					Owner:        accounting.User(fmt.Sprintf("u%d", user)),
					Category:     cpu,
					Units:        dec(2),
					Periods:      1,
					PricePerUnit: dec(1),
				}})
				if err == nil {
					err = results[0].Err
				}
				if err != nil {
					errs <- err
				}
			}(i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("charge failed: %v", err)
	}

	for _, leaf := range leaves {
		f.requireBalances(leaf, 1000-2*chargesPerUser, 1000-2*chargesPerUser)
	}
	f.requireBalances(root, 10000-2*chargesPerUser*users, 10000)
	f.requireConsistent(root)
}

func TestConcurrentDuplicateTransactionAppliesOnce(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.User("alice"), cpu, 100)

	const callers = 10
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := f.svc.Charge(context.Background(), []accounting.ChargeRequest{{
				TransactionID: "retry-storm",
				Owner:         accounting.User("alice"),
				Category:      cpu,
				Units:         dec(7),
				Periods:       1,
				PricePerUnit:  dec(1),
			}})
			if assert.NoError(t, err) && assert.NoError(t, results[0].Err) && !results[0].Replayed {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	f.requireBalances(root, 93, 93)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotifications_EveryTouchedWallet(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.Project("p1"), cpu, 100)
	f.sub(root, accounting.User("alice"), 80)
	f.events.reset()

	f.charge(accounting.User("alice"), cpu, 90)

	aliceEvents := f.events.forOwner(accounting.User("alice"))
	require.Len(t, aliceEvents, 1)
	assert.True(t, aliceEvents[0].NewTreeBalanceSum.Equal(dec(-10)))
	assert.True(t, aliceEvents[0].Locked)
	assert.Equal(t, cpu, aliceEvents[0].Category)
	assert.True(t, aliceEvents[0].Timestamp.Equal(testNow))

	projectEvents := f.events.forOwner(accounting.Project("p1"))
	require.Len(t, projectEvents, 1, "ancestor wallets are notified too")
	assert.True(t, projectEvents[0].NewTreeBalanceSum.Equal(dec(10)))
	assert.False(t, projectEvents[0].Locked)
}

func TestNotifications_DepositsNotify(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.Project("p1"), cpu, 100)
	require.Len(t, f.events.forOwner(accounting.Project("p1")), 1)

	f.sub(root, accounting.User("alice"), 10)
	events := f.events.forOwner(accounting.User("alice"))
	require.Len(t, events, 1)
	assert.True(t, events[0].NewTreeBalanceSum.Equal(dec(10)))
}

func TestNotifications_EmitterFailureDoesNotUndoCharge(t *testing.T) {
	var calls atomic.Int32
	f := newFixtureWith(t, accounting.Options{
		Emitter: accounting.EmitterFunc(func(context.Context, accounting.WalletUpdated) error {
			calls.Add(1)
			return errors.New("broker down")
		}),
		Retry: accounting.RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	root := f.root(accounting.User("alice"), cpu, 100)
	calls.Store(0)

	result := f.charge(accounting.User("alice"), cpu, 10)

	assert.True(t, result.Success)
	f.requireBalances(root, 90, 90)
	assert.Equal(t, int32(3), calls.Load(), "delivery is retried")
}

// =============================================================================
// WALLET INDEX AND LAPSE
// =============================================================================

func TestFindWallet_FiltersByValidity(t *testing.T) {
	f := newFixture(t)
	alice := accounting.User("alice")
	active := f.root(alice, cpu, 100)
	lapsed := f.rootWindow(alice, cpu, 50, testNow.AddDate(0, -1, 0), daysFromNow(-2))

	wallet, err := f.svc.FindWallet(f.ctx, alice, cpu, accounting.FindOptions{})
	require.NoError(t, err)
	require.Len(t, wallet.Allocations, 1)
	assert.Equal(t, active, wallet.Allocations[0].ID)
	assert.Equal(t, accounting.PolicyExpireFirst, wallet.Policy)

	all, err := f.svc.FindAllocations(f.ctx, alice, cpu, accounting.FindOptions{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	past, err := f.svc.FindAllocations(f.ctx, alice, cpu, accounting.FindOptions{At: testNow.AddDate(0, 0, -5)})
	require.NoError(t, err)
	ids := []accounting.AllocationID{}
	for _, a := range past {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []accounting.AllocationID{lapsed}, ids, "the year-long grant starts later")
}

func TestWalletsByOwner(t *testing.T) {
	f := newFixture(t)
	f.root(accounting.Project("p1"), cpu, 100)
	f.root(accounting.Project("p1"), storage, 100)
	f.root(accounting.Project("p2"), cpu, 100)

	wallets, err := f.svc.WalletsByOwner(f.ctx, accounting.Project("p1"), accounting.FindOptions{})
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, cpu, wallets[0].Category)
	assert.Equal(t, storage, wallets[1].Category)
}

func TestSweepLapsed_NotifiesOncePerWallet(t *testing.T) {
	f := newFixture(t)
	alice := accounting.User("alice")
	f.rootWindow(alice, cpu, 10, testNow.AddDate(0, -1, 0), daysFromNow(-1))
	f.rootWindow(alice, cpu, 20, testNow.AddDate(0, -1, 0), daysFromNow(-1))
	f.rootWindow(accounting.User("bob"), cpu, 10, testNow.AddDate(0, -1, 0), daysFromNow(-10))
	f.events.reset()

	n, err := f.svc.SweepLapsed(f.ctx, testNow.AddDate(0, 0, -2), testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	events := f.events.forOwner(alice)
	require.Len(t, events, 1)
	assert.True(t, events[0].NewTreeBalanceSum.IsZero())
	assert.True(t, events[0].Locked)
	assert.Empty(t, f.events.forOwner(accounting.User("bob")), "outside the sweep window")
}

// =============================================================================
// NAVIGATION AND LEDGER
// =============================================================================

func TestNavigation(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.Project("p1"), cpu, 100)
	mid := f.sub(root, accounting.Project("p1-lab"), 50)
	leafA := f.sub(mid, accounting.User("alice"), 10)
	leafB := f.sub(mid, accounting.User("bob"), 10)
	other := f.root(accounting.Project("p2"), cpu, 100)

	chain, err := f.svc.Ancestors(f.ctx, leafA)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, root, chain[0].ID)
	assert.Equal(t, mid, chain[1].ID)
	assert.Equal(t, leafA, chain[2].ID)

	desc, err := f.svc.Descendants(f.ctx, root)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, mid, desc[0].ID, "ordered by depth")
	assert.ElementsMatch(t, []accounting.AllocationID{leafA, leafB}, []accounting.AllocationID{desc[1].ID, desc[2].ID})

	desc, err = f.svc.Descendants(f.ctx, other)
	require.NoError(t, err)
	assert.Empty(t, desc)

	_, err = f.svc.Ancestors(f.ctx, "missing")
	assert.ErrorIs(t, err, accounting.ErrAllocationNotFound)
	_, err = f.svc.Descendants(f.ctx, "missing")
	assert.True(t, accounting.IsNotFound(err))
}

func TestHistory_NewestFirstAcrossTree(t *testing.T) {
	f := newFixture(t)
	root := f.root(accounting.Project("p1"), cpu, 100)
	f.sub(root, accounting.User("alice"), 10)

	first := f.charge(accounting.User("alice"), cpu, 1)
	second := f.charge(accounting.User("alice"), cpu, 2)
	own := f.charge(accounting.Project("p1"), cpu, 3)

	history, err := f.svc.History(f.ctx, accounting.Project("p1"), cpu, 0)
	require.NoError(t, err)
	require.Len(t, history, 4, "root deposit, two charges below, one own charge")
	assert.Equal(t, own.TransactionID, history[0].ID)
	assert.Equal(t, second.TransactionID, history[1].ID)
	assert.Equal(t, first.TransactionID, history[2].ID)
	assert.Equal(t, accounting.TxRootDeposit, history[3].Kind)

	limited, err := f.svc.History(f.ctx, accounting.Project("p1"), cpu, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = f.svc.Transaction(f.ctx, "missing")
	assert.ErrorIs(t, err, accounting.ErrTransactionNotFound)
}
