package retry

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Policy describes bounded exponential backoff with jitter. The zero value is
// not usable; start from DefaultPolicy.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   4,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      15 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
		Retryable:     IsTransient,
	}
}

// Do runs fn until it succeeds, fails non-retryably, exhausts MaxAttempts or
// the context is canceled.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		// Cancellation of the caller's context is terminal. A deadline hit on
		// a per-call child context is an ordinary timeout and goes through the
		// classifier like any other failure.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			break
		}
		delay := p.delay(attempt)
		zap.L().Warn("Retrying after error",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.JitterFactor > 0 {
		jitter := float64(d) * p.JitterFactor * (rand.Float64()*2 - 1)
		d += time.Duration(jitter)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// IsTransient reports whether err looks like a temporary network failure.
// Malformed-response and business errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"deadline exceeded",
		"temporary failure",
		"too many open connections",
		"eof",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
