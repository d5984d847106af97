/*
Package accounting provides the hierarchical resource-accounting engine.

PURPOSE:
  Tracks balances across a tree of allocations, applies charges against
  wallets, creates sub-allocations and guarantees that every subtree's
  consumption is visible on every ancestor. The engine is storage-agnostic:
  persistence goes through the Store interface (store.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - Owner: who holds a wallet (a user or a project)
  - ProductCategory: the priced service family a wallet is denominated in
  - Allocation: a quota grant, optionally the child of another allocation
  - Wallet: the view of all allocations an owner holds for one category
  - Transaction: an append-only ledger record of a balance-affecting operation

BALANCES:
  Every allocation carries two balances:
    LocalBalance: quota minus charges placed directly on the allocation
    TreeBalance:  quota minus charges placed anywhere in its subtree
  A charge on a leaf lowers the leaf's LocalBalance and TreeBalance, and the
  TreeBalance (only) of every ancestor in its Path.

DESIGN PRINCIPLES:
  1. Precision: all amounts are decimal.Decimal
  2. Flat storage: allocations are looked up by ID, ancestry is the cached Path
  3. Type safety: typed IDs prevent mixing allocation/wallet/transaction IDs
  4. Auditability: every mutation produces a Transaction with per-allocation entries

SEE ALSO:
  - window.go: validity windows
  - charge.go: charge engine
  - deposit.go: sub-allocation engine
  - store.go: persistence interface
*/
package accounting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AllocationID string
type TransactionID string
type WalletID string

// =============================================================================
// OWNER - Sealed union of User and Project
// =============================================================================

type OwnerKind string

const (
	OwnerUser    OwnerKind = "user"
	OwnerProject OwnerKind = "project"
)

// Owner identifies the holder of a wallet. Exactly one of the two kinds.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// User returns the owner reference for a personal workspace.
func User(username string) Owner { return Owner{Kind: OwnerUser, ID: username} }

// Project returns the owner reference for a project workspace.
func Project(projectID string) Owner { return Owner{Kind: OwnerProject, ID: projectID} }

// Key is the canonical string form, e.g. "user:alice" or "project:p-42".
func (o Owner) Key() string { return string(o.Kind) + ":" + o.ID }

func (o Owner) String() string { return o.Key() }

// Validate reports a malformed owner reference.
func (o Owner) Validate() error {
	switch o.Kind {
	case OwnerUser, OwnerProject:
	default:
		return &ValidationError{Field: "owner", Reason: fmt.Sprintf("unknown owner kind %q", o.Kind)}
	}
	if strings.TrimSpace(o.ID) == "" {
		return &ValidationError{Field: "owner", Reason: "owner id is empty"}
	}
	return nil
}

// ParseOwner parses the output of Owner.Key.
func ParseOwner(key string) (Owner, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Owner{}, &ValidationError{Field: "owner", Reason: fmt.Sprintf("malformed owner %q", key)}
	}
	o := Owner{Kind: OwnerKind(kind), ID: id}
	return o, o.Validate()
}

// =============================================================================
// PRODUCT CATEGORY
// =============================================================================

// ChargeModel decides how a reported amount turns into a balance delta.
type ChargeModel string

const (
	// ChargeAbsolute deducts the computed amount once.
	ChargeAbsolute ChargeModel = "absolute"
	// ChargeDifferential treats the computed amount as the current usage level
	// and deducts (or refunds) the difference to the previously reported level.
	ChargeDifferential ChargeModel = "differential"
)

type Frequency string

const (
	FrequencyOnce      Frequency = "once"
	FrequencyPerMinute Frequency = "per_minute"
	FrequencyPerHour   Frequency = "per_hour"
	FrequencyPerDay    Frequency = "per_day"
)

// CategoryID names a product category: a service family at a provider.
type CategoryID struct {
	Name     string
	Provider string
}

func (c CategoryID) String() string { return c.Name + "@" + c.Provider }

func (c CategoryID) Validate() error {
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Provider) == "" {
		return &ValidationError{Field: "category", Reason: "category name and provider are required"}
	}
	return nil
}

// ParseCategoryID parses "name@provider".
func ParseCategoryID(s string) (CategoryID, error) {
	name, provider, ok := strings.Cut(s, "@")
	if !ok {
		return CategoryID{}, &ValidationError{Field: "category", Reason: fmt.Sprintf("malformed category %q", s)}
	}
	c := CategoryID{Name: name, Provider: provider}
	return c, c.Validate()
}

// ProductCategory is the accounting definition of a category.
type ProductCategory struct {
	ID        CategoryID
	Model     ChargeModel
	Frequency Frequency
	Unit      string // display unit, e.g. "core-hours", "GB"
}

func (p ProductCategory) IsPeriodic() bool { return p.Frequency != FrequencyOnce }

// Catalog resolves category definitions. The catalog package provides the
// file-backed implementation.
type Catalog interface {
	Category(id CategoryID) (ProductCategory, bool)
}

// NewWalletID derives the deterministic wallet ID for (owner, category).
func NewWalletID(owner Owner, category CategoryID) WalletID {
	return WalletID(owner.Key() + "|" + category.String())
}

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocation is a single quota grant.
//
// INVARIANTS:
//   - Path is root..self inclusive and never changes after creation.
//   - TreeBalance = Quota - (all charges anywhere in the subtree).
//   - LocalBalance = Quota - (charges placed directly on this allocation).
type Allocation struct {
	ID       AllocationID
	ParentID *AllocationID
	Path     []AllocationID

	WalletID WalletID
	Owner    Owner
	Category CategoryID

	Quota        decimal.Decimal
	LocalBalance decimal.Decimal
	TreeBalance  decimal.Decimal

	// DifferentialUsage is the share of the wallet's last reported
	// differential level that was placed on this allocation.
	DifferentialUsage decimal.Decimal

	Window      Window
	CanAllocate bool
	CreatedAt   time.Time
}

func (a Allocation) IsRoot() bool { return a.ParentID == nil }

// ActiveAt reports whether the allocation's validity window contains t.
func (a Allocation) ActiveAt(t time.Time) bool { return a.Window.Contains(t) }

// AncestorIDs returns the path without the allocation itself, root first.
func (a Allocation) AncestorIDs() []AllocationID {
	if len(a.Path) == 0 {
		return nil
	}
	return a.Path[:len(a.Path)-1]
}

// Depth is 0 for a root allocation.
func (a Allocation) Depth() int { return len(a.Path) - 1 }

// Clone returns a copy that shares no mutable state with a.
func (a Allocation) Clone() Allocation {
	c := a
	c.Path = append([]AllocationID(nil), a.Path...)
	if a.ParentID != nil {
		p := *a.ParentID
		c.ParentID = &p
	}
	c.Window = a.Window.Clone()
	return c
}

// =============================================================================
// WALLET - A view, not a stored aggregate
// =============================================================================

// WalletRecord is the stored identity of a wallet.
type WalletRecord struct {
	ID        WalletID
	Owner     Owner
	Category  CategoryID
	Policy    SelectionPolicyName
	CreatedAt time.Time
}

// Wallet is the materialized view of a wallet and its allocations.
type Wallet struct {
	ID          WalletID
	Owner       Owner
	Category    CategoryID
	Policy      SelectionPolicyName
	Allocations []Allocation
}

// TotalTreeBalance sums TreeBalance over the wallet's allocations.
func (w Wallet) TotalTreeBalance() decimal.Decimal {
	total := decimal.Zero
	for _, a := range w.Allocations {
		total = total.Add(a.TreeBalance)
	}
	return total
}

// Locked is true when nothing is left to charge against.
func (w Wallet) Locked() bool { return !w.TotalTreeBalance().IsPositive() }

// =============================================================================
// TRANSACTION - Append-only ledger record
// =============================================================================

type TransactionKind string

const (
	TxCharge      TransactionKind = "charge"
	TxDeposit     TransactionKind = "deposit"
	TxRootDeposit TransactionKind = "root_deposit"
	TxUpdate      TransactionKind = "update"
	TxReset       TransactionKind = "reset"
)

// Entry is the effect of one transaction on one allocation. Deltas are the
// signed change applied to the balance (a charge of 10 is -10).
type Entry struct {
	AllocationID AllocationID
	WalletID     WalletID
	LocalDelta   decimal.Decimal
	TreeDelta    decimal.Decimal
}

// Item is one line of an itemized charge description.
type Item struct {
	Description string
	Amount      decimal.Decimal
}

type Transaction struct {
	ID       TransactionID
	Kind     TransactionKind
	WalletID WalletID
	Owner    Owner
	Category CategoryID

	// Delta is the amount charged (positive) or refunded (negative) for
	// charges, and the quota granted or re-baselined for deposits/updates.
	Delta   decimal.Decimal
	Success bool

	// Fingerprint identifies the operation parameters so that a retried
	// transaction ID can be told apart from a reused one.
	Fingerprint string

	Entries      []Entry
	Items        []Item
	AllocationID *AllocationID // the allocation created or updated, if any

	Description string
	InitiatedBy string
	CreatedAt   time.Time
}

// AffectedAllocations lists the allocations with a recorded entry.
func (t Transaction) AffectedAllocations() []AllocationID {
	ids := make([]AllocationID, 0, len(t.Entries))
	for _, e := range t.Entries {
		ids = append(ids, e.AllocationID)
	}
	return ids
}
