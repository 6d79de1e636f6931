package retry

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("malformed response")
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 3
	calls := 0
	err := p.Do(context.Background(), "test", func() error {
		calls++
		return syscall.ECONNREFUSED
	})
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := fastPolicy()
	p.BaseDelay = time.Minute
	err := p.Do(ctx, "test", func() error {
		return syscall.ECONNRESET
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoRetriesPerCallDeadline(t *testing.T) {
	// A deadline on a per-call child context is a timeout on one attempt,
	// not a reason to give up while the caller's context is still live.
	calls := 0
	err := fastPolicy().Do(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryAfterParentContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy().Do(ctx, "test", func() error {
		calls++
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("read tcp 1.2.3.4: i/o timeout")))
	assert.False(t, IsTransient(errors.New("invalid ABI payload")))
	assert.False(t, IsTransient(nil))
}

func TestDelayIsCappedAndGrows(t *testing.T) {
	p := Policy{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      400 * time.Millisecond,
		BackoffFactor: 2.0,
	}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 400*time.Millisecond, p.delay(5))
}
