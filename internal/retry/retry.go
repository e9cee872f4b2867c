// Package retry centralizes the bounded-retry policy applied around every
// external call the engine makes. Retry behavior is defined once here so it
// is tested once, instead of scattered ad hoc around each call site.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Policy bounds one retried operation: up to MaxAttempts tries with delays
// of BaseDelay * 2^(attempt-1) between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy mirrors the engine defaults: 3 attempts at 1s, 2s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	return p
}

// Executor runs fallible operations under a fixed Policy. It holds no
// per-call state and is safe for concurrent use by many tasks.
type Executor struct {
	policy Policy
	logger *zap.Logger
}

// NewExecutor creates an executor with the given policy.
func NewExecutor(policy Policy, logger *zap.Logger) *Executor {
	return &Executor{
		policy: policy.normalized(),
		logger: logger.Named("retry"),
	}
}

// Run invokes op until it succeeds or the attempt budget is exhausted.
// Every failure is considered retryable; error types are not inspected.
// The final error is returned wrapped with attempt metadata. Context
// cancellation stops the schedule between attempts.
func (e *Executor) Run(ctx context.Context, description string, op func(context.Context) error) error {
	policy := e.policy

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = policy.BaseDelay << 16
	bo.MaxElapsedTime = 0 // Bounded by attempt count, not wall clock.

	attempt := 0
	wrapped := func() error {
		attempt++
		return op(ctx)
	}
	notify := func(err error, next time.Duration) {
		e.logger.Warn("Operation failed, backing off.",
			zap.String("operation", description),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("next_delay", next),
			zap.Error(err),
		)
	}

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1)),
		ctx,
	)

	if err := backoff.RetryNotify(wrapped, schedule, notify); err != nil {
		return fmt.Errorf("%s failed after %d attempt(s): %w", description, attempt, err)
	}
	return nil
}

// Do is the typed variant of Executor.Run for operations that produce a
// value.
func Do[T any](ctx context.Context, e *Executor, description string, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := e.Run(ctx, description, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
