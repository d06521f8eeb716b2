package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"chunkpipe/internal/config"
	"chunkpipe/internal/logging"
	"chunkpipe/internal/services"
)

// Classifier reports whether err is worth another attempt.
type Classifier func(error) bool

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// PolicyFromConfig converts a configured retry section into a Policy.
func PolicyFromConfig(p config.RetryPolicy) Policy {
	return Policy{
		MaxAttempts:    p.MaxAttempts,
		InitialBackoff: p.InitialBackoff(),
		MaxBackoff:     p.MaxBackoff(),
		Multiplier:     p.Multiplier,
		Jitter:         p.Jitter,
	}
}

// Delay returns the wait before retry number n (1-based). r is a uniform
// sample in [0,1) used to spread the delay by the jitter fraction.
func (p Policy) Delay(n int, r float64) time.Duration {
	if p.InitialBackoff <= 0 || n <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialBackoff) * math.Pow(mult, float64(n-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*(2*r-1)
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// ExhaustedError is returned when every attempt failed with a retriable error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted (%s) after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

// Unwrap exposes both the exhaustion marker and the last underlying failure.
func (e *ExhaustedError) Unwrap() []error {
	return []error{services.ErrRetryExhausted, e.Last}
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithRandom overrides the jitter source.
func WithRandom(random func() float64) Option {
	return func(e *Executor) {
		if random != nil {
			e.random = random
		}
	}
}

// WithLogger attaches a logger for per-attempt diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// Executor re-invokes an operation according to its policy and classifier.
type Executor struct {
	name     string
	policy   Policy
	classify Classifier
	sleep    func(context.Context, time.Duration) error
	random   func() float64
	logger   *slog.Logger
}

// New constructs an Executor. A nil classifier treats every error as fatal.
func New(name string, policy Policy, classify Classifier, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if classify == nil {
		classify = func(error) bool { return false }
	}
	e := &Executor{
		name:     name,
		policy:   policy,
		classify: classify,
		sleep:    Sleep,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the operation label used in exhaustion errors.
func (e *Executor) Name() string { return e.name }

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs op until it succeeds, fails fatally, or the attempt budget is spent.
// It returns the number of attempts made.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	logger := logging.WithContext(ctx, logging.NewComponentLogger(e.logger, "retry"))
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("%s: %w", e.name, err)
		}
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, fmt.Errorf("%s interrupted on attempt %d: %w (last error: %w)", e.name, attempt, ctxErr, err)
		}
		if !e.classify(err) {
			return attempt, err
		}
		if attempt >= e.policy.MaxAttempts {
			logger.Warn("retry budget exhausted",
				logging.String("operation", e.name),
				logging.Int("attempts", attempt),
				logging.Error(err),
				logging.String(logging.FieldEventType, "retry_exhausted"),
			)
			return attempt, &ExhaustedError{Operation: e.name, Attempts: attempt, Last: err}
		}
		delay := e.policy.Delay(attempt, e.random())
		logger.Info("retrying after transient failure",
			logging.String("operation", e.name),
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", e.policy.MaxAttempts),
			logging.Duration("backoff", delay),
			logging.Error(err),
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return attempt, fmt.Errorf("%s interrupted during backoff: %w (last error: %w)", e.name, sleepErr, err)
		}
	}
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, int, error) {
	var result T
	attempts, err := e.Do(ctx, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, attempts, err
}

// Sleep blocks for d, returning early if ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
