// Package cas provides the compare-and-swap retry loop used by the lifecycles.
package cas

import (
	"context"
	"errors"

	"github.com/drfirst/go-careplan/internal/domain/errs"
)

// DefaultAttempts bounds how often a conflicting write is re-read and retried
const DefaultAttempts = 3

// Retry runs fn until it succeeds, fails with anything other than a
// concurrency conflict, or attempts are exhausted. fn must re-read the entity
// and re-check its precondition on every call.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, errs.ErrConflict) {
			return err
		}
	}
	return err
}
