package accounting_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
)

// =============================================================================
// MODEL - Expected balances tracked independently of the engine
// =============================================================================

// modelAllocation is the test's own bookkeeping for one allocation. Every
// wallet in the model has exactly one allocation, so the charged amount of
// a wallet is the charged amount of its allocation.
type modelAllocation struct {
	id       accounting.AllocationID
	path     []accounting.AllocationID
	owner    accounting.Owner
	category accounting.CategoryID
	quota    int64
	charged  int64 // net of everything charged directly on this allocation
	level    int64 // last reported differential level
}

type model struct {
	allocations []*modelAllocation
	byID        map[accounting.AllocationID]*modelAllocation
}

func (m *model) add(a *modelAllocation) {
	m.allocations = append(m.allocations, a)
	m.byID[a.id] = a
}

// subtreeCharged sums charges on id and everything below it.
func (m *model) subtreeCharged(id accounting.AllocationID) int64 {
	var sum int64
	for _, a := range m.allocations {
		for _, p := range a.path {
			if p == id {
				sum += a.charged
				break
			}
		}
	}
	return sum
}

func (m *model) tree(id accounting.AllocationID) int64 {
	return m.byID[id].quota - m.subtreeCharged(id)
}

func (m *model) local(id accounting.AllocationID) int64 {
	a := m.byID[id]
	return a.quota - a.charged
}

// succeeds is the expected success flag after a has been charged delta.
func (m *model) succeeds(a *modelAllocation, delta int64) bool {
	if delta == 0 {
		return true
	}
	for _, id := range a.path {
		if m.tree(id) < 0 {
			return false
		}
	}
	return true
}

func (m *model) owned(category accounting.CategoryID) []*modelAllocation {
	var out []*modelAllocation
	for _, a := range m.allocations {
		if a.category == category {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// OPERATION SEQUENCE
// =============================================================================

func TestInvariant_RandomOperationSequence(t *testing.T) {
	for _, seed := range []uint64{1, 7, 42, 2026} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			runOperationSequence(t, seed, 150)
		})
	}
}

func runOperationSequence(t *testing.T, seed uint64, steps int) {
	f := newFixture(t)
	rng := rand.New(rand.NewPCG(seed, seed^0x5eed))
	m := &model{byID: make(map[accounting.AllocationID]*modelAllocation)}

	grow := func(parent *modelAllocation, owner accounting.Owner, category accounting.CategoryID, quota int64) *modelAllocation {
		var id accounting.AllocationID
		var path []accounting.AllocationID
		if parent == nil {
			id = f.root(owner, category, quota)
			path = []accounting.AllocationID{id}
		} else {
			id = f.sub(parent.id, owner, quota)
			path = append(append([]accounting.AllocationID(nil), parent.path...), id)
		}
		a := &modelAllocation{id: id, path: path, owner: owner, category: category, quota: quota}
		m.add(a)
		return a
	}

	// GIVEN: a compute tree and a storage tree, one allocation per wallet
	grant := grow(nil, accounting.Project("grant"), cpu, 1000)
	lab := grow(grant, accounting.Project("lab"), cpu, 400)
	grow(lab, accounting.User("ann"), cpu, 150)
	grow(lab, accounting.User("ben"), cpu, 150)
	grow(grant, accounting.User("cat"), cpu, 300)

	archive := grow(nil, accounting.Project("archive"), storage, 500)
	grow(archive, accounting.User("ann"), storage, 200)
	grow(archive, accounting.User("ben"), storage, 100)

	check := func(step int, op string) {
		t.Helper()
		for _, a := range m.allocations {
			got := f.alloc(a.id)
			require.Truef(t, got.TreeBalance.Equal(dec(m.tree(a.id))),
				"step %d (%s): %s tree balance %s, expected %d", step, op, a.id, got.TreeBalance, m.tree(a.id))
			require.Truef(t, got.LocalBalance.Equal(dec(m.local(a.id))),
				"step %d (%s): %s local balance %s, expected %d", step, op, a.id, got.LocalBalance, m.local(a.id))
			require.Truef(t, got.Quota.Equal(dec(a.quota)),
				"step %d (%s): %s quota %s, expected %d", step, op, a.id, got.Quota, a.quota)
			if a.category == storage {
				require.Truef(t, got.DifferentialUsage.Equal(dec(a.level)),
					"step %d (%s): %s differential usage %s, expected %d", step, op, a.id, got.DifferentialUsage, a.level)
			}
		}
	}
	check(0, "setup")

	compute := m.owned(cpu)
	stored := m.owned(storage)

	for step := 1; step <= steps; step++ {
		var op string
		switch roll := rng.IntN(100); {
		case roll < 55:
			// Absolute usage report
			a := compute[rng.IntN(len(compute))]
			units, periods, price := rng.Int64N(40), 1+rng.Int64N(3), 1+rng.Int64N(2)
			op = fmt.Sprintf("charge %s %dx%dx%d", a.owner, units, periods, price)

			results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{{
				Owner:        a.owner,
				Category:     cpu,
				Units:        dec(units),
				Periods:      periods,
				PricePerUnit: dec(price),
			}})
			require.NoError(t, err, op)
			require.NoError(t, results[0].Err, op)

			delta := units * periods * price
			a.charged += delta
			require.Equalf(t, m.succeeds(a, delta), results[0].Success, "step %d (%s): success flag", step, op)

		case roll < 85:
			// Differential level report
			a := stored[rng.IntN(len(stored))]
			level := rng.Int64N(260)
			op = fmt.Sprintf("report %s level %d", a.owner, level)

			results, err := f.svc.Charge(f.ctx, []accounting.ChargeRequest{differential(a.owner, level)})
			require.NoError(t, err, op)
			require.NoError(t, results[0].Err, op)

			delta := level - a.level
			a.charged += delta
			a.level = level
			require.Truef(t, results[0].Delta.Equal(dec(delta)), "step %d (%s): delta %s, expected %d", step, op, results[0].Delta, delta)
			require.Equalf(t, m.succeeds(a, delta), results[0].Success, "step %d (%s): success flag", step, op)

		case roll < 92:
			// Reset every storage wallet to level zero
			op = "reset storage"
			_, err := f.svc.Reset(f.ctx, storage, accounting.ResetOptions{
				Admin:             true,
				TransactionPrefix: fmt.Sprintf("reset-%d", step),
			})
			require.NoError(t, err, op)
			for _, a := range stored {
				a.charged -= a.level
				a.level = 0
			}

		default:
			// Re-baseline a quota
			a := m.allocations[rng.IntN(len(m.allocations))]
			quota := 50 + rng.Int64N(600)
			op = fmt.Sprintf("update %s quota %d", a.id, quota)

			q := dec(quota)
			require.NoError(t, f.svc.UpdateAllocation(f.ctx, accounting.AllocationUpdate{
				AllocationID: a.id,
				Quota:        &q,
				Reason:       "rebaseline",
			}), op)
			a.quota = quota
		}

		check(step, op)
	}

	f.requireConsistent(grant.id, archive.id)
}
