/*
deposit.go - Deposit engine: root grants, sub-allocations and re-baselining

PURPOSE:
  Creates allocations and administratively adjusts them. Deposits are
  over-allocation friendly: creating a child never deducts from its parent.
  Only later charges in the subtree are checked against the ancestors'
  remaining TreeBalance.

OPERATIONS:
  SubAllocate       child of an existing allocation, same category as the
                    parent, window contained in the parent's window
  RootAllocate      parentless grant, privileged callers only
  UpdateAllocation  re-baseline quota and/or window of one allocation; the
                    quota difference moves Quota, LocalBalance and
                    TreeBalance of the target only, never its ancestors

WINDOWS:
  A sub-allocation without a start date starts with its parent. InheritEnd
  copies the parent's end date, which is how an open-ended request fits
  under a parent that expires. An update must keep the window inside the
  parent's window and around every direct child's window.

IDEMPOTENCY:
  All three operations take a TransactionID. A replay with the same
  parameters returns the original outcome (for deposits, the ID of the
  allocation created the first time).

SEE ALSO:
  - tree.go: parent and window validation
  - charge.go: the only other writer of balances
*/
package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUESTS
// =============================================================================

// SubAllocation requests a child allocation under ParentID. The child's
// category is the parent's category.
type SubAllocation struct {
	TransactionID TransactionID
	ParentID      AllocationID
	Owner         Owner
	Quota         decimal.Decimal

	// Start defaults to the parent's start when zero.
	Start time.Time
	End   *time.Time
	// InheritEnd caps the child at the parent's end date; End is ignored.
	InheritEnd bool

	CanAllocate bool
	Description string
	InitiatedBy string
}

// RootAllocation requests a parentless grant.
type RootAllocation struct {
	TransactionID TransactionID
	Owner         Owner
	Category      CategoryID
	Quota         decimal.Decimal
	Start         time.Time // zero means the time of the call
	End           *time.Time
	CanAllocate   bool

	// Privileged is set by the authorization layer for callers holding the
	// administrative capability.
	Privileged bool

	Description string
	InitiatedBy string
}

// AllocationUpdate re-baselines an allocation. Nil fields keep their value.
type AllocationUpdate struct {
	TransactionID TransactionID
	AllocationID  AllocationID
	Quota         *decimal.Decimal
	Start         *time.Time
	End           *time.Time
	// ClearEnd makes the allocation never expire.
	ClearEnd bool

	Reason      string
	InitiatedBy string
}

// =============================================================================
// DEPOSIT ENGINE
// =============================================================================

type DepositEngine struct {
	*core
}

// SubAllocate creates a child allocation and returns its ID.
func (e *DepositEngine) SubAllocate(ctx context.Context, req SubAllocation) (AllocationID, error) {
	if err := req.Owner.Validate(); err != nil {
		return "", err
	}
	if req.Quota.IsNegative() {
		return "", &ValidationError{Field: "quota", Reason: "must not be negative"}
	}
	if req.ParentID == "" {
		return "", &ValidationError{Field: "parentId", Reason: "is required"}
	}
	txID := e.transactionID(req.TransactionID)
	fp := fingerprintOf("sub", string(req.ParentID), req.Owner.Key(), req.Quota.String(),
		timeKey(&req.Start), timeKey(req.End), fmt.Sprint(req.InheritEnd), fmt.Sprint(req.CanAllocate))

	var (
		created  AllocationID
		walletID WalletID
		replayed bool
	)
	err := e.run(ctx, unit{
		keys: func(ctx context.Context) ([]string, error) {
			parent, err := e.store.GetAllocation(ctx, req.ParentID)
			if errors.Is(err, ErrAllocationNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrParentNotFound, req.ParentID)
			}
			if err != nil {
				return nil, err
			}
			return append(pathKeys(parent), walletKey(NewWalletID(req.Owner, parent.Category))), nil
		},
		apply: func(ctx context.Context, tx Store, held *LockSet) error {
			created, replayed = "", false
			ledger := NewLedger(tx)

			if id, ok, err := replayDeposit(ctx, ledger, txID, TxDeposit, fp); err != nil || ok {
				created, replayed = id, ok
				return err
			}

			parent, err := NewNavigator(tx).ValidateParent(ctx, req.ParentID, CategoryID{})
			if err != nil {
				return err
			}
			walletID = NewWalletID(req.Owner, parent.Category)
			for _, key := range append(pathKeys(parent), walletKey(walletID)) {
				if !held.Covers(key) {
					return errStaleLockSet
				}
			}

			window := subWindow(req, parent.Window)
			if err := ValidateWindow(window, parent.Window); err != nil {
				return err
			}

			id := AllocationID(e.newID())
			parentID := parent.ID
			alloc := Allocation{
				ID:                id,
				ParentID:          &parentID,
				Path:              append(append([]AllocationID(nil), parent.Path...), id),
				WalletID:          walletID,
				Owner:             req.Owner,
				Category:          parent.Category,
				Quota:             req.Quota,
				LocalBalance:      req.Quota,
				TreeBalance:       req.Quota,
				DifferentialUsage: decimal.Zero,
				Window:            window,
				CanAllocate:       req.CanAllocate,
				CreatedAt:         e.now(),
			}
			if err := e.insert(ctx, tx, ledger, alloc, Transaction{
				ID:          txID,
				Kind:        TxDeposit,
				Fingerprint: fp,
				Description: req.Description,
				InitiatedBy: req.InitiatedBy,
			}); err != nil {
				return err
			}
			created = id
			return nil
		},
	})

	var raced *recordedConcurrently
	if errors.As(err, &raced) {
		return depositOutcome(raced.tx, TxDeposit, fp)
	}
	if err != nil {
		return "", err
	}

	if !replayed {
		e.log.Info().
			Str("allocation", string(created)).
			Str("parent", string(req.ParentID)).
			Str("owner", req.Owner.Key()).
			Str("quota", req.Quota.String()).
			Msg("sub-allocation created")
		e.notify(ctx, []WalletID{walletID})
	}
	return created, nil
}

// RootAllocate creates a parentless allocation. Requires req.Privileged.
func (e *DepositEngine) RootAllocate(ctx context.Context, req RootAllocation) (AllocationID, error) {
	if !req.Privileged {
		return "", fmt.Errorf("%w: root allocation requires the administrative capability", ErrForbidden)
	}
	if err := req.Owner.Validate(); err != nil {
		return "", err
	}
	if err := req.Category.Validate(); err != nil {
		return "", err
	}
	if _, ok := e.catalog.Category(req.Category); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCategory, req.Category)
	}
	if req.Quota.IsNegative() {
		return "", &ValidationError{Field: "quota", Reason: "must not be negative"}
	}
	start := req.Start
	if start.IsZero() {
		start = e.now()
	}
	window := NewWindow(start, req.End)
	if err := ValidateOwnWindow(window); err != nil {
		return "", err
	}

	txID := e.transactionID(req.TransactionID)
	walletID := NewWalletID(req.Owner, req.Category)
	// The requested start, not the defaulted one, so a replay without a
	// start still matches.
	fp := fingerprintOf("root", req.Owner.Key(), req.Category.String(), req.Quota.String(),
		timeKey(&req.Start), timeKey(req.End), fmt.Sprint(req.CanAllocate))

	var (
		created  AllocationID
		replayed bool
	)
	err := e.run(ctx, unit{
		keys: func(context.Context) ([]string, error) {
			return []string{walletKey(walletID)}, nil
		},
		apply: func(ctx context.Context, tx Store, _ *LockSet) error {
			created, replayed = "", false
			ledger := NewLedger(tx)

			if id, ok, err := replayDeposit(ctx, ledger, txID, TxRootDeposit, fp); err != nil || ok {
				created, replayed = id, ok
				return err
			}

			id := AllocationID(e.newID())
			alloc := Allocation{
				ID:                id,
				Path:              []AllocationID{id},
				WalletID:          walletID,
				Owner:             req.Owner,
				Category:          req.Category,
				Quota:             req.Quota,
				LocalBalance:      req.Quota,
				TreeBalance:       req.Quota,
				DifferentialUsage: decimal.Zero,
				Window:            window,
				CanAllocate:       req.CanAllocate,
				CreatedAt:         e.now(),
			}
			if err := e.insert(ctx, tx, ledger, alloc, Transaction{
				ID:          txID,
				Kind:        TxRootDeposit,
				Fingerprint: fp,
				Description: req.Description,
				InitiatedBy: req.InitiatedBy,
			}); err != nil {
				return err
			}
			created = id
			return nil
		},
	})

	var raced *recordedConcurrently
	if errors.As(err, &raced) {
		return depositOutcome(raced.tx, TxRootDeposit, fp)
	}
	if err != nil {
		return "", err
	}

	if !replayed {
		e.log.Info().
			Str("allocation", string(created)).
			Str("owner", req.Owner.Key()).
			Str("category", req.Category.String()).
			Str("quota", req.Quota.String()).
			Msg("root allocation created")
		e.notify(ctx, []WalletID{walletID})
	}
	return created, nil
}

// UpdateAllocation re-baselines quota and/or window of an allocation as if
// it had been created with the new values. Usage already charged stays
// charged, so lowering the quota below it drives the allocation negative.
func (e *DepositEngine) UpdateAllocation(ctx context.Context, req AllocationUpdate) error {
	if req.AllocationID == "" {
		return &ValidationError{Field: "allocationId", Reason: "is required"}
	}
	if req.Reason == "" {
		return &ValidationError{Field: "reason", Reason: "is required"}
	}
	if req.Quota != nil && req.Quota.IsNegative() {
		return &ValidationError{Field: "quota", Reason: "must not be negative"}
	}

	txID := e.transactionID(req.TransactionID)
	quota := ""
	if req.Quota != nil {
		quota = req.Quota.String()
	}
	fp := fingerprintOf("update", string(req.AllocationID), quota,
		timeKey(req.Start), timeKey(req.End), fmt.Sprint(req.ClearEnd))

	var (
		touched  []WalletID
		replayed bool
	)
	err := e.run(ctx, unit{
		keys: func(ctx context.Context) ([]string, error) {
			a, err := e.store.GetAllocation(ctx, req.AllocationID)
			if err != nil {
				return nil, err
			}
			return append(pathKeys(a), walletKey(a.WalletID)), nil
		},
		apply: func(ctx context.Context, tx Store, held *LockSet) error {
			touched, replayed = nil, false
			ledger := NewLedger(tx)

			if _, ok, err := replayDeposit(ctx, ledger, txID, TxUpdate, fp); err != nil || ok {
				replayed = ok
				return err
			}

			m := newMutation(tx)
			a, err := m.get(ctx, req.AllocationID)
			if err != nil {
				return err
			}
			for _, key := range pathKeys(*a) {
				if !held.Covers(key) {
					return errStaleLockSet
				}
			}

			window := updatedWindow(a.Window, req)
			if err := e.validateRebaseline(ctx, tx, *a, window); err != nil {
				return err
			}

			diff := decimal.Zero
			if req.Quota != nil {
				diff = req.Quota.Sub(a.Quota)
			}
			if err := m.rebaseline(ctx, a.ID, diff); err != nil {
				return err
			}
			a.Window = window
			if err := m.flush(ctx); err != nil {
				return err
			}

			id := a.ID
			rec, err := ledger.Record(ctx, Transaction{
				ID:           txID,
				Kind:         TxUpdate,
				WalletID:     a.WalletID,
				Owner:        a.Owner,
				Category:     a.Category,
				Delta:        diff,
				Success:      true,
				Fingerprint:  fp,
				Entries:      m.changedEntries(),
				AllocationID: &id,
				Description:  req.Reason,
				InitiatedBy:  req.InitiatedBy,
				CreatedAt:    e.now(),
			})
			if err != nil {
				return err
			}
			if !rec.IsNew {
				return &recordedConcurrently{tx: *rec.Existing}
			}
			touched = []WalletID{a.WalletID}
			return nil
		},
	})

	var raced *recordedConcurrently
	if errors.As(err, &raced) {
		_, err = depositOutcome(raced.tx, TxUpdate, fp)
		return err
	}
	if err != nil {
		return err
	}

	if !replayed {
		e.log.Info().
			Str("allocation", string(req.AllocationID)).
			Str("reason", req.Reason).
			Msg("allocation re-baselined")
		e.notify(ctx, touched)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// insert stores a new allocation, its wallet and the deposit transaction.
// tmpl carries the transaction identity; the rest is derived from alloc.
func (e *DepositEngine) insert(ctx context.Context, tx Store, ledger *Ledger, alloc Allocation, tmpl Transaction) error {
	if err := tx.SaveWallet(ctx, WalletRecord{
		ID:        alloc.WalletID,
		Owner:     alloc.Owner,
		Category:  alloc.Category,
		Policy:    PolicyExpireFirst,
		CreatedAt: alloc.CreatedAt,
	}); err != nil {
		return err
	}
	if err := tx.InsertAllocation(ctx, alloc); err != nil {
		return err
	}

	id := alloc.ID
	tmpl.WalletID = alloc.WalletID
	tmpl.Owner = alloc.Owner
	tmpl.Category = alloc.Category
	tmpl.Delta = alloc.Quota
	tmpl.Success = true
	tmpl.AllocationID = &id
	tmpl.CreatedAt = alloc.CreatedAt
	tmpl.Entries = []Entry{{
		AllocationID: id,
		WalletID:     alloc.WalletID,
		LocalDelta:   alloc.Quota,
		TreeDelta:    alloc.Quota,
	}}

	rec, err := ledger.Record(ctx, tmpl)
	if err != nil {
		return err
	}
	if !rec.IsNew {
		return &recordedConcurrently{tx: *rec.Existing}
	}
	return nil
}

// validateRebaseline checks the new window against the unchanged parent and
// the allocation's direct children.
func (e *DepositEngine) validateRebaseline(ctx context.Context, tx Store, a Allocation, window Window) error {
	if a.ParentID == nil {
		if err := ValidateOwnWindow(window); err != nil {
			return err
		}
	} else {
		parent, err := tx.GetAllocation(ctx, *a.ParentID)
		if err != nil {
			return fmt.Errorf("parent of %s: %w", a.ID, err)
		}
		if err := ValidateWindow(window, parent.Window); err != nil {
			return err
		}
	}

	descendants, err := tx.Descendants(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, child := range descendants {
		if child.ParentID == nil || *child.ParentID != a.ID {
			continue
		}
		if !child.Window.Within(window) {
			return &WindowError{
				Child:  child.Window,
				Parent: &window,
				Reason: fmt.Sprintf("would no longer contain child %s", child.ID),
			}
		}
	}
	return nil
}

func subWindow(req SubAllocation, parent Window) Window {
	start := req.Start
	if start.IsZero() {
		start = parent.Start
	}
	end := req.End
	if req.InheritEnd {
		end = parent.Clone().End
	}
	return NewWindow(start, end)
}

func updatedWindow(current Window, req AllocationUpdate) Window {
	w := current.Clone()
	if req.Start != nil {
		w.Start = *req.Start
	}
	switch {
	case req.ClearEnd:
		w.End = nil
	case req.End != nil:
		w.End = req.End
	}
	return NewWindow(w.Start, w.End)
}

// replayDeposit looks up txID. ok is true when the operation was already
// recorded with the same parameters.
func replayDeposit(ctx context.Context, ledger *Ledger, txID TransactionID, kind TransactionKind, fp string) (AllocationID, bool, error) {
	existing, err := ledger.Lookup(ctx, txID)
	if errors.Is(err, ErrTransactionNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	id, err := depositOutcome(existing, kind, fp)
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func depositOutcome(tx Transaction, kind TransactionKind, fp string) (AllocationID, error) {
	if tx.Kind != kind || tx.Fingerprint != fp {
		return "", fmt.Errorf("%w: %s", ErrTransactionIDReuse, tx.ID)
	}
	if tx.AllocationID == nil {
		return "", nil
	}
	return *tx.AllocationID, nil
}

func timeKey(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
