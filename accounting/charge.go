/*
charge.go - Charge engine: absolute and differential charges

PURPOSE:
  Applies a batch of independent charge line items to wallets. Each item is
  its own all-or-nothing unit: one item failing (softly or hard) never
  undoes another item's effect.

CHARGE FLOW (per item):
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  validate ──▶ lock wallet paths ──▶ replay? ──▶ compute delta ──▶     │
  │                                        │                             │
  │                                        ▼                             │
  │                               return recorded result                 │
  │                                                                      │
  │  distribute ──▶ propagate to ancestors ──▶ success? ──▶ record ──▶    │
  │                                                        notify        │
  └──────────────────────────────────────────────────────────────────────┘

CHARGE MODELS:
  Absolute:     amount = units × periods × pricePerUnit, deducted once.
  Differential: the same product is the wallet's current usage LEVEL. Every
                active allocation gives back the share of the previous level
                it carried, then the new level is distributed afresh. The net
                effect is a signed delta = level - previous level.

SUCCESS:
  A charge fails softly when any touched allocation (a charged allocation or
  one of its ancestors) ends with TreeBalance < 0. The deduction is applied
  and recorded regardless. A zero delta always succeeds. A wallet without
  active allocations cannot absorb a positive charge: the charge is recorded
  as failed and no balance moves.

HARD FAILURES:
  Malformed owner or category references reject the whole batch before any
  item runs. Other validation failures (negative units, periods < 1,
  unknown category, wrong charge kind) are reported on the item's result.

IDEMPOTENCY:
  The ledger is consulted under the wallet lock. A known transaction ID with
  the same parameter fingerprint returns the recorded result; with a
  different fingerprint it is rejected with ErrTransactionIDReuse.

SEE ALSO:
  - selection.go: ordering and distribution of a charge
  - propagate.go: staged balance changes
  - engine.go: locking, retries and notifications
*/
package accounting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// ChargeRequest is one line item of a charge batch.
type ChargeRequest struct {
	Owner    Owner
	Category CategoryID

	Units        decimal.Decimal
	Periods      int64
	PricePerUnit decimal.Decimal

	// TransactionID makes the charge safe to retry. Generated when empty.
	TransactionID TransactionID

	// Kind must match the category's charge model. Empty means "use the
	// category's model".
	Kind ChargeModel

	Description string
	Items       []Item

	// Admin marks operator-issued charges (debug charge, reset).
	Admin       bool
	InitiatedBy string
}

// Amount is units × periods × pricePerUnit.
func (r ChargeRequest) Amount() decimal.Decimal {
	return r.Units.Mul(decimal.NewFromInt(r.Periods)).Mul(r.PricePerUnit)
}

// ChargeResult is returned positionally for every line item.
type ChargeResult struct {
	TransactionID TransactionID
	Success       bool
	// Replayed is true when the transaction ID had already been recorded.
	Replayed bool
	// Delta is the signed amount deducted (negative is a refund).
	Delta   decimal.Decimal
	Entries []Entry
	// Err is set when the item was rejected before any mutation.
	Err error
}

// ResetOptions configures a category-wide differential reset.
type ResetOptions struct {
	Admin bool
	// TransactionPrefix makes the reset retryable: each wallet's charge uses
	// "<prefix>/<walletID>" as its transaction ID.
	TransactionPrefix string
	InitiatedBy       string
}

// =============================================================================
// CHARGE ENGINE
// =============================================================================

type ChargeEngine struct {
	*core
}

// Charge applies every line item independently and returns one result per
// item, in order. The returned error is non-nil only when the batch is
// structurally unparseable, in which case nothing was applied.
func (e *ChargeEngine) Charge(ctx context.Context, requests []ChargeRequest) ([]ChargeResult, error) {
	for i, r := range requests {
		if err := validateStructure(r); err != nil {
			return nil, fmt.Errorf("line item %d: %w", i, err)
		}
	}

	results := make([]ChargeResult, len(requests))
	for i, r := range requests {
		results[i] = e.chargeItem(ctx, r, TxCharge)
	}
	return results, nil
}

// Reset charges a differential level of zero to every wallet of category.
// It runs through the regular charge path, one transaction per wallet.
func (e *ChargeEngine) Reset(ctx context.Context, category CategoryID, opts ResetOptions) ([]ChargeResult, error) {
	if !opts.Admin {
		return nil, fmt.Errorf("%w: reset requires the administrative capability", ErrForbidden)
	}
	if err := category.Validate(); err != nil {
		return nil, err
	}
	def, ok := e.catalog.Category(category)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if def.Model != ChargeDifferential {
		return nil, &ValidationError{Field: "category", Reason: fmt.Sprintf("%s is not a differential category", category)}
	}

	wallets, err := e.store.WalletsByCategory(ctx, category)
	if err != nil {
		return nil, err
	}

	results := make([]ChargeResult, 0, len(wallets))
	for _, w := range wallets {
		req := ChargeRequest{
			Owner:        w.Owner,
			Category:     category,
			Units:        decimal.Zero,
			Periods:      1,
			PricePerUnit: decimal.Zero,
			Kind:         ChargeDifferential,
			Description:  "reset",
			Admin:        true,
			InitiatedBy:  opts.InitiatedBy,
		}
		if opts.TransactionPrefix != "" {
			req.TransactionID = TransactionID(opts.TransactionPrefix + "/" + string(w.ID))
		}
		results = append(results, e.chargeItem(ctx, req, TxReset))
	}

	e.log.Info().
		Str("category", category.String()).
		Int("wallets", len(wallets)).
		Msg("differential reset applied")
	return results, nil
}

func (e *ChargeEngine) chargeItem(ctx context.Context, r ChargeRequest, kind TransactionKind) ChargeResult {
	r.TransactionID = e.transactionID(r.TransactionID)

	def, err := e.validateItem(r)
	if err != nil {
		return ChargeResult{TransactionID: r.TransactionID, Err: err}
	}
	if r.Kind == "" {
		r.Kind = def.Model
	}

	result, err := e.chargeOne(ctx, r, kind)
	if err != nil {
		e.log.Error().Err(err).
			Str("transaction", string(r.TransactionID)).
			Str("owner", r.Owner.Key()).
			Str("category", r.Category.String()).
			Msg("charge not applied")
		return ChargeResult{TransactionID: r.TransactionID, Err: err}
	}
	return result
}

// chargeOne runs a validated line item as one locked unit of work.
func (e *ChargeEngine) chargeOne(ctx context.Context, r ChargeRequest, kind TransactionKind) (ChargeResult, error) {
	walletID := NewWalletID(r.Owner, r.Category)
	fp := fingerprint(r)

	var (
		result  ChargeResult
		touched []WalletID
	)

	err := e.run(ctx, unit{
		keys: func(ctx context.Context) ([]string, error) {
			allocations, err := e.store.AllocationsByWallet(ctx, walletID)
			if err != nil {
				return nil, err
			}
			return append(pathKeys(activeAt(allocations, e.now())...), walletKey(walletID)), nil
		},
		apply: func(ctx context.Context, tx Store, held *LockSet) error {
			result, touched = ChargeResult{}, nil
			ledger := NewLedger(tx)

			existing, err := ledger.Lookup(ctx, r.TransactionID)
			switch {
			case err == nil:
				result, err = replayCharge(existing, fp)
				return err
			case !errors.Is(err, ErrTransactionNotFound):
				return err
			}

			allocations, err := tx.AllocationsByWallet(ctx, walletID)
			if err != nil {
				return err
			}
			active := activeAt(allocations, e.now())
			for _, key := range pathKeys(active...) {
				if !held.Covers(key) {
					return errStaleLockSet
				}
			}
			policy, err := walletPolicy(ctx, tx, walletID)
			if err != nil {
				return err
			}

			m := newMutation(tx)
			var delta decimal.Decimal
			switch r.Kind {
			case ChargeDifferential:
				delta, err = applyDifferential(ctx, m, policy, active, r.Amount())
			default:
				delta, err = applyAbsolute(ctx, m, policy, active, r.Amount())
			}
			if err != nil {
				return err
			}

			success := delta.IsZero() || (len(active) > 0 && m.allNonNegative())
			if err := m.flush(ctx); err != nil {
				return err
			}

			record := Transaction{
				ID:          r.TransactionID,
				Kind:        kind,
				WalletID:    walletID,
				Owner:       r.Owner,
				Category:    r.Category,
				Delta:       delta,
				Success:     success,
				Fingerprint: fp,
				Entries:     m.changedEntries(),
				Items:       r.Items,
				Description: r.Description,
				InitiatedBy: initiator(r),
				CreatedAt:   e.now(),
			}
			rec, err := ledger.Record(ctx, record)
			if err != nil {
				return err
			}
			if !rec.IsNew {
				return &recordedConcurrently{tx: *rec.Existing}
			}

			result = ChargeResult{
				TransactionID: record.ID,
				Success:       success,
				Delta:         delta,
				Entries:       record.Entries,
			}
			touched = m.wallets()
			return nil
		},
	})

	var raced *recordedConcurrently
	if errors.As(err, &raced) {
		return replayCharge(raced.tx, fp)
	}
	if err != nil {
		return ChargeResult{}, err
	}

	if !result.Replayed {
		ev := e.log.Debug()
		if !result.Success {
			ev = e.log.Warn()
		}
		ev.Str("transaction", string(result.TransactionID)).
			Str("wallet", string(walletID)).
			Str("delta", result.Delta.String()).
			Bool("success", result.Success).
			Msg("charge applied")
		e.notify(ctx, touched)
	}
	return result, nil
}

// applyAbsolute distributes amount over the active allocations in policy
// order.
func applyAbsolute(ctx context.Context, m *mutation, policy SelectionPolicy, active []Allocation, amount decimal.Decimal) (decimal.Decimal, error) {
	if len(active) == 0 || amount.IsZero() {
		return amount, nil
	}
	// Shortfall goes on the first selected allocation with balance left,
	// skipping drained ones ahead of it in policy order.
	dist := Distribute(policy.Order(active), amount)
	for _, p := range dist.Portions {
		if err := m.charge(ctx, p.AllocationID, p.Amount); err != nil {
			return decimal.Zero, err
		}
	}
	return amount, nil
}

// applyDifferential refunds the previously reported level and distributes
// the new one. It returns the signed net delta.
func applyDifferential(ctx context.Context, m *mutation, policy SelectionPolicy, active []Allocation, level decimal.Decimal) (decimal.Decimal, error) {
	previous := decimal.Zero
	for _, a := range active {
		if a.DifferentialUsage.IsZero() {
			continue
		}
		previous = previous.Add(a.DifferentialUsage)
		if err := m.charge(ctx, a.ID, a.DifferentialUsage.Neg()); err != nil {
			return decimal.Zero, err
		}
		refunded, err := m.get(ctx, a.ID)
		if err != nil {
			return decimal.Zero, err
		}
		refunded.DifferentialUsage = decimal.Zero
	}

	if len(active) == 0 || level.IsZero() {
		return level.Sub(previous), nil
	}

	current := make([]Allocation, 0, len(active))
	for _, a := range active {
		cur, err := m.get(ctx, a.ID)
		if err != nil {
			return decimal.Zero, err
		}
		current = append(current, *cur)
	}

	dist := Distribute(policy.Order(current), level)
	for _, p := range dist.Portions {
		if err := m.charge(ctx, p.AllocationID, p.Amount); err != nil {
			return decimal.Zero, err
		}
		charged, err := m.get(ctx, p.AllocationID)
		if err != nil {
			return decimal.Zero, err
		}
		charged.DifferentialUsage = charged.DifferentialUsage.Add(p.Amount)
	}
	return level.Sub(previous), nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// validateStructure rejects references that cannot be parsed at all.
func validateStructure(r ChargeRequest) error {
	if err := r.Owner.Validate(); err != nil {
		return err
	}
	return r.Category.Validate()
}

// ValidateAmounts checks units, periods and price. It needs no catalog, so
// transports can reject a batch before handing it to the engine.
func (r ChargeRequest) ValidateAmounts() error {
	if r.Units.IsNegative() {
		return &ValidationError{Field: "units", Reason: "must not be negative"}
	}
	if r.Periods < 1 {
		return &ValidationError{Field: "periods", Reason: "must be at least 1"}
	}
	if r.PricePerUnit.IsNegative() {
		return &ValidationError{Field: "pricePerUnit", Reason: "must not be negative"}
	}
	return nil
}

func (e *ChargeEngine) validateItem(r ChargeRequest) (ProductCategory, error) {
	if err := r.ValidateAmounts(); err != nil {
		return ProductCategory{}, err
	}
	def, ok := e.catalog.Category(r.Category)
	if !ok {
		return ProductCategory{}, fmt.Errorf("%w: %s", ErrUnknownCategory, r.Category)
	}
	if r.Kind != "" && r.Kind != def.Model {
		return ProductCategory{}, fmt.Errorf("%w: %s charge against %s category %s", ErrCategoryMismatch, r.Kind, def.Model, r.Category)
	}
	return def, nil
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// recordedConcurrently aborts a unit whose transaction ID was committed by
// a concurrent caller between the lookup and the append.
type recordedConcurrently struct {
	tx Transaction
}

func (r *recordedConcurrently) Error() string {
	return "transaction " + string(r.tx.ID) + " recorded concurrently"
}

func replayCharge(tx Transaction, fp string) (ChargeResult, error) {
	if (tx.Kind != TxCharge && tx.Kind != TxReset) || tx.Fingerprint != fp {
		return ChargeResult{}, fmt.Errorf("%w: %s", ErrTransactionIDReuse, tx.ID)
	}
	return ChargeResult{
		TransactionID: tx.ID,
		Success:       tx.Success,
		Replayed:      true,
		Delta:         tx.Delta,
		Entries:       tx.Entries,
	}, nil
}

// fingerprint hashes the parameters that decide a charge's effect.
func fingerprint(r ChargeRequest) string {
	return fingerprintOf(
		r.Owner.Key(),
		r.Category.String(),
		string(r.Kind),
		r.Units.String(),
		strconv.FormatInt(r.Periods, 10),
		r.PricePerUnit.String(),
	)
}

// fingerprintOf hashes NUL-separated parts into a short hex digest.
func fingerprintOf(parts ...string) string {
	d := xxhash.New()
	for _, part := range parts {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

func initiator(r ChargeRequest) string {
	if r.InitiatedBy == "" && r.Admin {
		return "admin"
	}
	return r.InitiatedBy
}

// walletPolicy resolves the wallet's selection policy. A wallet that was
// never stored uses the default.
func walletPolicy(ctx context.Context, tx Store, id WalletID) (SelectionPolicy, error) {
	w, err := tx.GetWallet(ctx, id)
	if errors.Is(err, ErrWalletNotFound) {
		return ExpireFirst{}, nil
	}
	if err != nil {
		return nil, err
	}
	return LookupPolicy(w.Policy), nil
}

func activeAt(allocations []Allocation, at time.Time) []Allocation {
	active := make([]Allocation, 0, len(allocations))
	for _, a := range allocations {
		if a.ActiveAt(at) {
			active = append(active, a)
		}
	}
	return active
}
