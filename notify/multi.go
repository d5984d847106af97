package notify

import (
	"context"
	"errors"

	"github.com/warp/accounting-engine/accounting"
)

// Multi emits to each emitter in order. Every emitter is tried; the
// returned error joins the failures.
type Multi []accounting.Emitter

func (m Multi) Emit(ctx context.Context, event accounting.WalletUpdated) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
