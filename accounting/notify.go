package accounting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// NOTIFICATIONS - Outbound wallet-changed events
// =============================================================================

// WalletUpdated is emitted after every committed balance change of a wallet.
// Delivery is at-least-once; subscribers deduplicate on (Owner, Timestamp).
type WalletUpdated struct {
	Owner             Owner
	Category          CategoryID
	NewTreeBalanceSum decimal.Decimal
	Locked            bool
	Timestamp         time.Time
}

// Emitter delivers wallet events to subscribers. The notify package
// provides the binary codec, an in-process hub and a NATS publisher.
type Emitter interface {
	Emit(ctx context.Context, event WalletUpdated) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event WalletUpdated) error

func (f EmitterFunc) Emit(ctx context.Context, event WalletUpdated) error { return f(ctx, event) }

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, WalletUpdated) error { return nil }
