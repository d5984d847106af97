/*
Package notify delivers WalletUpdated events to subscribers.

PURPOSE:
  The engine emits one event per affected wallet after every committed
  mutation. This package provides the pieces that carry those events out
  of the process:

    - Codec: compact protobuf wire encoding of WalletUpdated
    - Hub: in-process fan-out keyed by owner
    - NATSPublisher: publishes encoded events on "<prefix>.<kind>.<id>"
    - Multi: emits to several emitters in order

WIRE FORMAT (protobuf, proto3 semantics):
  message WalletUpdated {
    string owner_kind        = 1;
    string owner_id          = 2;
    string category_name     = 3;
    string category_provider = 4;
    string tree_balance_sum  = 5;  // decimal string
    bool   locked            = 6;
    int64  timestamp_nanos   = 7;  // unix nanoseconds, UTC
  }

  Unknown fields are skipped on decode so that producers can add fields.

SEE ALSO:
  - accounting/notify.go: the event type and the Emitter interface
*/
package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/warp/accounting-engine/accounting"
)

const (
	fieldOwnerKind        protowire.Number = 1
	fieldOwnerID          protowire.Number = 2
	fieldCategoryName     protowire.Number = 3
	fieldCategoryProvider protowire.Number = 4
	fieldTreeBalanceSum   protowire.Number = 5
	fieldLocked           protowire.Number = 6
	fieldTimestamp        protowire.Number = 7
)

var ErrMalformedEvent = errors.New("malformed wallet event")

// Encode serializes an event. Zero-valued fields are omitted.
func Encode(ev accounting.WalletUpdated) []byte {
	var b []byte
	b = appendString(b, fieldOwnerKind, string(ev.Owner.Kind))
	b = appendString(b, fieldOwnerID, ev.Owner.ID)
	b = appendString(b, fieldCategoryName, ev.Category.Name)
	b = appendString(b, fieldCategoryProvider, ev.Category.Provider)
	b = appendString(b, fieldTreeBalanceSum, ev.NewTreeBalanceSum.String())
	if ev.Locked {
		b = protowire.AppendTag(b, fieldLocked, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if !ev.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Timestamp.UnixNano()))
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses the output of Encode.
func Decode(b []byte) (accounting.WalletUpdated, error) {
	var ev accounting.WalletUpdated
	ev.NewTreeBalanceSum = decimal.Zero

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ev, fmt.Errorf("%w: %w", ErrMalformedEvent, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= fieldOwnerKind && num <= fieldTreeBalanceSum:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ev, fmt.Errorf("%w: field %d: %w", ErrMalformedEvent, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := setString(&ev, num, v); err != nil {
				return ev, err
			}

		case typ == protowire.VarintType && (num == fieldLocked || num == fieldTimestamp):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ev, fmt.Errorf("%w: field %d: %w", ErrMalformedEvent, num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldLocked {
				ev.Locked = protowire.DecodeBool(v)
			} else {
				ev.Timestamp = time.Unix(0, int64(v)).UTC()
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ev, fmt.Errorf("%w: field %d: %w", ErrMalformedEvent, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ev, nil
}

func setString(ev *accounting.WalletUpdated, num protowire.Number, v string) error {
	switch num {
	case fieldOwnerKind:
		ev.Owner.Kind = accounting.OwnerKind(v)
	case fieldOwnerID:
		ev.Owner.ID = v
	case fieldCategoryName:
		ev.Category.Name = v
	case fieldCategoryProvider:
		ev.Category.Provider = v
	case fieldTreeBalanceSum:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: tree balance %q: %w", ErrMalformedEvent, v, err)
		}
		ev.NewTreeBalanceSum = d
	}
	return nil
}
