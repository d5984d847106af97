/*
selection.go - Choosing which allocations absorb a charge

PURPOSE:
  A wallet may hold several active allocations. When a charge arrives the
  wallet's selection policy orders them, and the Distributor walks that
  order draining allocations until the charge is covered.

EXPIRE FIRST (default policy):
  Ascending by end date, never-expiring allocations last. Ties break on
  start date, then ID, so the order is deterministic.

DISTRIBUTION RULES:
  - Allocations before the last selected one absorb their full available
    balance (LocalBalance, floored at zero).
  - The last selected allocation absorbs only the remainder.
  - If the whole wallet cannot cover the amount, the FIRST selected
    allocation absorbs the entire shortfall and goes negative.
  - If no allocation has anything available, the first allocation in policy
    order is selected and absorbs everything.

EXAMPLE:
  expiring soon: 30 available, expiring later: 100 available, charge 50
    → soon absorbs 30, later absorbs 20
  same wallet, charge 200
    → soon absorbs 30+70 (shortfall), later absorbs 100
*/
package accounting

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SELECTION POLICY
// =============================================================================

type SelectionPolicyName string

const PolicyExpireFirst SelectionPolicyName = "expire_first"

// SelectionPolicy orders a wallet's active allocations for charging.
type SelectionPolicy interface {
	Name() SelectionPolicyName
	// Order returns a new slice; the input is not modified.
	Order(allocations []Allocation) []Allocation
}

// ExpireFirst drains the allocation that lapses soonest.
type ExpireFirst struct{}

func (ExpireFirst) Name() SelectionPolicyName { return PolicyExpireFirst }

func (ExpireFirst) Order(allocations []Allocation) []Allocation {
	ordered := append([]Allocation(nil), allocations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Window, ordered[j].Window
		if a.EndsBefore(b) {
			return true
		}
		if b.EndsBefore(a) {
			return false
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

var (
	policyRegistry = map[SelectionPolicyName]SelectionPolicy{
		PolicyExpireFirst: ExpireFirst{},
	}
	policyMu sync.RWMutex
)

// RegisterPolicy makes a selection policy available to wallets by name.
func RegisterPolicy(p SelectionPolicy) {
	policyMu.Lock()
	defer policyMu.Unlock()
	policyRegistry[p.Name()] = p
}

// LookupPolicy returns the named policy, falling back to ExpireFirst.
func LookupPolicy(name SelectionPolicyName) SelectionPolicy {
	policyMu.RLock()
	defer policyMu.RUnlock()
	if p, ok := policyRegistry[name]; ok {
		return p
	}
	return ExpireFirst{}
}

// =============================================================================
// DISTRIBUTOR
// =============================================================================

// Portion is the amount one allocation absorbs.
type Portion struct {
	AllocationID AllocationID
	Amount       decimal.Decimal
}

// Distribution describes how a charge is split.
type Distribution struct {
	Requested decimal.Decimal
	Portions  []Portion

	// Shortfall is the part not covered by available balance; it is already
	// included in the first portion.
	Shortfall decimal.Decimal
}

// Covered is true when available balance was enough.
func (d Distribution) Covered() bool { return !d.Shortfall.IsPositive() }

// Distribute splits amount across ordered allocations. amount must be >= 0.
func Distribute(ordered []Allocation, amount decimal.Decimal) Distribution {
	dist := Distribution{Requested: amount, Shortfall: decimal.Zero}
	if !amount.IsPositive() || len(ordered) == 0 {
		if amount.IsPositive() {
			dist.Shortfall = amount
		}
		return dist
	}

	remaining := amount
	for _, a := range ordered {
		if !remaining.IsPositive() {
			break
		}
		available := decimal.Max(a.LocalBalance, decimal.Zero)
		// Drained allocations are not selected, so the shortfall lands on
		// the first allocation that still had balance (see DESIGN.md,
		// "Shortfall split"). Only an all-drained wallet charges ordered[0].
		if !available.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, available)
		dist.Portions = append(dist.Portions, Portion{AllocationID: a.ID, Amount: take})
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		dist.Shortfall = remaining
		if len(dist.Portions) == 0 {
			dist.Portions = append(dist.Portions, Portion{AllocationID: ordered[0].ID, Amount: remaining})
		} else {
			dist.Portions[0].Amount = dist.Portions[0].Amount.Add(remaining)
		}
	}
	return dist
}
