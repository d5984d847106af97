package accounting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// ENGINE CORE - Shared dependencies and the locked unit of work
// =============================================================================

// core is shared by the charge and deposit engines.
type core struct {
	store       TxStore
	catalog     Catalog
	wallets     *WalletIndex
	locks       *LockManager
	emitter     Emitter
	retry       RetryPolicy
	lockTimeout time.Duration
	clock       func() time.Time
	newID       func() string
	log         zerolog.Logger
}

// unit is one all-or-nothing operation.
type unit struct {
	// keys computes the lock set from a read-committed view. It runs before
	// every attempt so a retry sees allocations created in between.
	keys func(ctx context.Context) ([]string, error)
	// apply runs inside the store transaction while the lock set is held.
	apply func(ctx context.Context, tx Store, held *LockSet) error
}

// run executes u under its lock set and a store transaction, retrying
// lock timeouts, stale lock sets and serialization failures.
func (c *core) run(ctx context.Context, u unit) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		keys, err := u.keys(ctx)
		if err != nil {
			return err
		}

		lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
		held, err := c.locks.Acquire(lockCtx, keys)
		cancel()
		if err != nil {
			return err
		}
		defer held.Release()

		return c.store.WithTx(ctx, func(tx Store) error {
			return u.apply(ctx, tx, held)
		})
	})
}

// notify invalidates and emits WalletUpdated for each wallet. Emission
// failures are retried, then logged; the committed state is never undone.
func (c *core) notify(ctx context.Context, ids []WalletID) {
	if len(ids) == 0 {
		return
	}
	c.wallets.Invalidate(ctx, ids...)

	for _, id := range ids {
		event, err := c.wallets.Summarize(ctx, id)
		if err != nil {
			c.log.Error().Err(err).Str("wallet", string(id)).Msg("failed to summarize wallet for notification")
			continue
		}
		err = c.retry.Do(ctx, func(ctx context.Context) error {
			if err := c.emitter.Emit(ctx, event); err != nil {
				return retryableEmit{err}
			}
			return nil
		})
		if err != nil {
			c.log.Warn().Err(err).
				Str("wallet", string(id)).
				Str("owner", event.Owner.Key()).
				Msg("wallet notification not delivered")
		}
	}
}

func (c *core) transactionID(id TransactionID) TransactionID {
	if id != "" {
		return id
	}
	return TransactionID(c.newID())
}

func (c *core) now() time.Time { return c.clock().UTC() }

// retryableEmit marks emitter failures as worth another attempt.
type retryableEmit struct{ err error }

func (e retryableEmit) Error() string { return e.err.Error() }
func (e retryableEmit) Unwrap() error { return ErrUnavailable }

func defaultID() string { return uuid.NewString() }
