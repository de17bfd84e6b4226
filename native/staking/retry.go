package staking

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryAttempts = 3
	defaultRetryInitial  = 25 * time.Millisecond
	defaultRetryMax      = 250 * time.Millisecond
)

// retryPolicy reruns an operation on ErrContention with exponential backoff.
// Every other error is returned on first sight.
type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
	logger   *slog.Logger
	metrics  Metrics
}

func (p retryPolicy) do(ctx context.Context, op string, fn func() error) error {
	attempts := p.attempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultRetryInitial
	}
	b.MaxInterval = p.max
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultRetryMax
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if isTerminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		if p.metrics != nil {
			p.metrics.RecordContention(op)
		}
		if p.logger != nil {
			p.logger.Warn("staking contention, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
		}
	})
}
