package cas

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-careplan/internal/domain/errs"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 2 {
			return errs.Conflict("dose", "d1", 1, 2)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryGivesUpWithConflict(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 0, func(context.Context) error {
		calls++
		return errs.Conflict("dose", "d1", 1, 2)
	})
	assert.True(t, errors.Is(err, errs.ErrConflict))
	assert.Equal(t, DefaultAttempts, calls)
}

func TestRetryReturnsOtherErrorsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		return errs.InvalidState("d1", "not due")
	})
	assert.True(t, errors.Is(err, errs.ErrInvalidState))
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, 3, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocksSerializePerID(t *testing.T) {
	var locks Locks
	var mu sync.Mutex
	var order []int

	unlock := locks.Lock("d1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		release := locks.Lock("d1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release()
	}()

	// another id is never blocked by d1
	other := locks.Lock("d2")
	other()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	assert.Equal(t, []int{1, 2}, order)
	assert.Zero(t, locks.Len())
}
