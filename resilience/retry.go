package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withobsrvr/coingecko-lake/logging"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	JitterFactor  float64       `yaml:"jitter_factor"`
}

// DefaultRetryPolicy returns the policy used for CoinGecko requests
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Validate rejects policies that could never attempt the operation.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff_factor must be >= 1")
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return fmt.Errorf("retry jitter_factor must be within [0, 1]")
	}
	return nil
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = p.BackoffFactor
	exp.RandomizationFactor = p.JitterFactor
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// RetryManager handles retry logic with backoff
type RetryManager struct {
	policy  RetryPolicy
	logger  *logging.ComponentLogger
	onRetry func(operation string)
}

// NewRetryManager creates a new retry manager. onRetry may be nil.
func NewRetryManager(policy RetryPolicy, logger *logging.ComponentLogger, onRetry func(operation string)) *RetryManager {
	if policy.MaxAttempts < 1 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &RetryManager{
		policy:  policy,
		logger:  logger,
		onRetry: onRetry,
	}
}

// Execute runs fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done.
func (rm *RetryManager) Execute(ctx context.Context, operation string, fn func() error) error {
	attempts := 0
	startTime := time.Now()

	op := func() error {
		attempts++
		return fn()
	}

	notify := func(err error, delay time.Duration) {
		if rm.onRetry != nil {
			rm.onRetry(operation)
		}
		rm.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Err(err).
			Msg("Operation failed, retrying")
	}

	err := backoff.RetryNotify(op, rm.policy.backOff(ctx), notify)
	if err == nil {
		if attempts > 1 {
			rm.logger.Info().
				Str("operation", operation).
				Int("attempts", attempts).
				Dur("total_time", time.Since(startTime)).
				Msg("Operation succeeded after retry")
		}
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s cancelled after %d attempts: %w", operation, attempts, ctxErr)
	}
	if attempts >= rm.policy.MaxAttempts {
		rm.logger.Error().
			Str("operation", operation).
			Int("attempts", attempts).
			Err(err).
			Msg("Operation failed after max attempts")
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
	return err
}
