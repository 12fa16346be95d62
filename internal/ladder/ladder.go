// Package ladder runs an ordered list of presets until one produces an acceptable result.
package ladder

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted is returned when no preset produced an accepted result.
var ErrExhausted = errors.New("ladder exhausted")

// Attempt is the outcome of trying one preset.
type Attempt[P, R any] struct {
	Preset P
	Result R
	Err    error
}

// Run tries presets in order and returns the first result accepted by accept.
// A preset whose try fails is recorded and skipped. Context cancellation stops the
// ladder immediately. When every preset fails, the returned error wraps ErrExhausted
// and the last attempt error, and attempts lists every try in order.
func Run[P, R any](ctx context.Context, presets []P, try func(context.Context, P) (R, error), accept func(R) bool) (R, []Attempt[P, R], error) {
	var zero R
	attempts := make([]Attempt[P, R], 0, len(presets))
	var last error
	for _, p := range presets {
		if err := ctx.Err(); err != nil {
			return zero, attempts, err
		}
		res, err := try(ctx, p)
		attempts = append(attempts, Attempt[P, R]{Preset: p, Result: res, Err: err})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, attempts, ctxErr
			}
			last = err
			continue
		}
		if accept(res) {
			return res, attempts, nil
		}
		last = nil
	}
	if last != nil {
		return zero, attempts, fmt.Errorf("%w after %d presets: %w", ErrExhausted, len(attempts), last)
	}
	return zero, attempts, fmt.Errorf("%w after %d presets: no result within budget", ErrExhausted, len(attempts))
}
