/*
ledger.go - Append-only transaction ledger with idempotent recording

PURPOSE:
  Every balance-affecting operation is recorded under its caller-supplied
  transaction ID. The ledger is what makes charges and deposits safe to
  retry over an unreliable network: a replayed ID observes the original
  record instead of applying the operation again.

CONCURRENT DUPLICATES:
  Record checks for an existing ID, then appends. If two callers race past
  the check, the store's unique key rejects the loser with
  ErrDuplicateTransaction and the loser re-reads the committed record.
  Exactly one caller observes IsNew=true.
*/
package accounting

import (
	"context"
	"errors"
)

// RecordResult tells the caller whether its record was the one committed.
type RecordResult struct {
	IsNew    bool
	Existing *Transaction // set when IsNew is false
}

// Ledger records transactions through a Store. Inside WithTx, build the
// ledger over the transactional view.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record appends tx unless its ID exists.
func (l *Ledger) Record(ctx context.Context, tx Transaction) (RecordResult, error) {
	existing, err := l.store.GetTransaction(ctx, tx.ID)
	switch {
	case err == nil:
		return RecordResult{Existing: &existing}, nil
	case !errors.Is(err, ErrTransactionNotFound):
		return RecordResult{}, err
	}

	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		if !errors.Is(err, ErrDuplicateTransaction) {
			return RecordResult{}, err
		}
		existing, err := l.store.GetTransaction(ctx, tx.ID)
		if err != nil {
			return RecordResult{}, err
		}
		return RecordResult{Existing: &existing}, nil
	}
	return RecordResult{IsNew: true}, nil
}

// Lookup returns the recorded transaction or ErrTransactionNotFound.
func (l *Ledger) Lookup(ctx context.Context, id TransactionID) (Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// History returns a wallet's transactions, newest first.
func (l *Ledger) History(ctx context.Context, walletID WalletID, limit int) ([]Transaction, error) {
	return l.store.TransactionsByWallet(ctx, walletID, limit)
}
