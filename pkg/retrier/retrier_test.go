package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func TestRetrier_Do(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		r := New()
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		r := New(WithMaxRetries(3), WithInitialInterval(time.Millisecond))
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errTransient
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("fail after max retries", func(t *testing.T) {
		r := New(WithMaxRetries(2), WithInitialInterval(time.Millisecond))
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, attempts) // 1 initial + 2 retries
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		r := New(WithMaxRetries(5), WithInitialInterval(time.Millisecond))
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return Permanent(errTransient)
		})
		assert.Equal(t, errTransient, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retryIf filters errors", func(t *testing.T) {
		other := errors.New("not found")
		r := New(
			WithMaxRetries(5),
			WithInitialInterval(time.Millisecond),
			WithRetryIf(func(err error) bool { return errors.Is(err, errTransient) }),
		)
		attempts := 0
		err := r.Do(context.Background(), func(ctx context.Context) error {
			attempts++
			return other
		})
		assert.ErrorIs(t, err, other)
		assert.Equal(t, 1, attempts)
	})

	t.Run("onRetry sees every repeat", func(t *testing.T) {
		var seen []int
		r := New(
			WithMaxRetries(2),
			WithInitialInterval(time.Millisecond),
			WithOnRetry(func(attempt int, err error) { seen = append(seen, attempt) }),
		)
		_ = r.Do(context.Background(), func(ctx context.Context) error { return errTransient })
		assert.Equal(t, []int{1, 2}, seen)
	})

	t.Run("context cancellation", func(t *testing.T) {
		r := New(WithMaxRetries(5), WithInitialInterval(100*time.Millisecond))
		ctx, cancel := context.WithCancel(context.Background())

		attempts := 0
		err := r.Do(ctx, func(ctx context.Context) error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errTransient
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 2, attempts)
	})
}

func TestRetrier_DoWithData(t *testing.T) {
	t.Run("success returns data", func(t *testing.T) {
		r := New()
		val, err := DoWithData(r, context.Background(), func(ctx context.Context) (string, error) {
			return "success", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "success", val)
	})

	t.Run("fail returns error", func(t *testing.T) {
		r := New(WithMaxRetries(1), WithInitialInterval(time.Millisecond))
		val, err := DoWithData(r, context.Background(), func(ctx context.Context) (string, error) {
			return "", errTransient
		})
		assert.Error(t, err)
		assert.Empty(t, val)
	})
}
