package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkpipe/internal/retry"
	"chunkpipe/internal/services"
)

var errFlaky = services.Wrap(services.ErrTransientNetwork, "downloading", "", "connection reset", nil)

func noSleep(context.Context, time.Duration) error { return nil }

func newExecutor(attempts int, sleeps *[]time.Duration) *retry.Executor {
	policy := retry.Policy{MaxAttempts: attempts, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, Multiplier: 2}
	sleeper := noSleep
	if sleeps != nil {
		sleeper = func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		}
	}
	return retry.New("download", policy, services.IsRetriableNetwork, retry.WithSleeper(sleeper))
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var sleeps []time.Duration
	exec := newExecutor(3, &sleeps)
	calls := 0
	attempts, err := exec.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeps)
}

func TestDoReturnsExhaustedWithLastError(t *testing.T) {
	exec := newExecutor(3, nil)
	calls := 0
	attempts, err := exec.Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "download", exhausted.Operation)
	assert.ErrorIs(t, err, services.ErrRetryExhausted)
	assert.ErrorIs(t, err, services.ErrTransientNetwork)
	assert.Equal(t, services.KindRetryExhausted, services.KindOf(err))
}

func TestDoStopsOnFatalError(t *testing.T) {
	exec := newExecutor(5, nil)
	fatal := services.Wrap(services.ErrConfiguration, "downloading", "", "keyword rejected", nil)
	calls := 0
	attempts, err := exec.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Same(t, fatal, err)
	assert.NotErrorIs(t, err, services.ErrRetryExhausted)
}

func TestDoHonoursCancellationDuringBackoff(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	exec := retry.New("upload", policy, services.IsRetriableNetwork)
	calls := 0
	_, err := exec.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunReturnsValue(t *testing.T) {
	exec := newExecutor(2, nil)
	calls := 0
	url, attempts, err := retry.Run(context.Background(), exec, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errFlaky
		}
		return "file:///blob", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "file:///blob", url)
	assert.Equal(t, 2, attempts)
}

func TestPolicyDelayCapsAndJitters(t *testing.T) {
	p := retry.Policy{MaxAttempts: 10, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, Jitter: 0.5}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0.5))
	assert.Equal(t, time.Second, p.Delay(8, 0.5))
	assert.Equal(t, 50*time.Millisecond, p.Delay(1, 0))
	assert.InDelta(t, float64(150*time.Millisecond), float64(p.Delay(1, 0.999999)), float64(time.Millisecond))
	assert.Zero(t, retry.Policy{}.Delay(1, 0.5))
}

func TestNilClassifierTreatsEverythingAsFatal(t *testing.T) {
	exec := retry.New("compress", retry.Policy{MaxAttempts: 3}, nil, retry.WithSleeper(noSleep))
	calls := 0
	_, err := exec.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
