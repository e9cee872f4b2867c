package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, zap.NewNop())

	calls := 0
	err := e.Run(context.Background(), "noop", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRun_ExhaustsAttemptsAndSurfacesLastError(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, zap.NewNop())

	lastErr := errors.New("boom")
	calls := 0
	err := e.Run(context.Background(), "always fails", func(ctx context.Context) error {
		calls++
		return lastErr
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, lastErr)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
}

func TestRun_DelaysFollowExponentialSchedule(t *testing.T) {
	base := 20 * time.Millisecond
	e := NewExecutor(Policy{MaxAttempts: 3, BaseDelay: base}, zap.NewNop())

	var stamps []time.Time
	_ = e.Run(context.Background(), "timing", func(ctx context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})

	require.Len(t, stamps, 3)
	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])

	// base * 2^(n-1): ~20ms then ~40ms. Allow generous slack for CI
	// scheduling but require the doubling shape.
	assert.GreaterOrEqual(t, gap1, base)
	assert.GreaterOrEqual(t, gap2, 2*base)
	assert.Less(t, gap1, 2*base)
	assert.Less(t, gap2, 4*base)
}

func TestRun_RecoversOnLaterAttempt(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, zap.NewNop())

	calls := 0
	err := e.Run(context.Background(), "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRun_ContextCancellationStopsSchedule(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 5, BaseDelay: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, "cancelled", func(ctx context.Context) error {
			calls++
			return errors.New("fail")
		})
	}()

	// Give the first attempt time to run, then cancel during the backoff
	// wait.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestDo_ReturnsTypedResult(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, zap.NewNop())

	calls := 0
	out, err := Do(context.Background(), e, "typed", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("not yet")
		}
		return "payload", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "payload", out)
}

func TestNewExecutor_NormalizesPolicy(t *testing.T) {
	e := NewExecutor(Policy{}, zap.NewNop())
	assert.Equal(t, 3, e.policy.MaxAttempts)
	assert.Equal(t, time.Second, e.policy.BaseDelay)
}
