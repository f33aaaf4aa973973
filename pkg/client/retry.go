package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int

	// BaseDelay is the linear backoff step: attempt k waits BaseDelay*k.
	BaseDelay time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
	}
}

// linearBackOff implements backoff.BackOff with delays base, 2*base, 3*base...
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// retryWithBackoff runs fn until it succeeds, fails with a non-retryable
// class, the context ends or MaxRetries retries have been spent. It returns
// the number of attempts made and the terminal error.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func(attempt int) error) (int, error) {
	attempts := 0
	var last *QueryError

	operation := func() error {
		attempts++
		err := fn(attempts)
		if err == nil {
			if attempts > 1 {
				logger.Info().
					Int("attempt", attempts).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		last = asQueryError(err)
		lookupErrorsTotal.WithLabelValues(string(last.Class)).Inc()
		if !shouldRetry(last.Class) {
			return backoff.Permanent(last)
		}

		logger.Warn().
			Err(last).
			Int("attempt", attempts).
			Int("max_attempts", cfg.MaxRetries+1).
			Str("error_class", string(last.Class)).
			Msg("Attempt failed")
		return last
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: cfg.BaseDelay}, uint64(maxRetries)),
		ctx,
	)

	notify := func(err error, wait time.Duration) {
		class := string(ClassOf(err))
		lookupRetriesTotal.WithLabelValues(class).Inc()
		lookupRetryBackoffSeconds.WithLabelValues(class).Observe(wait.Seconds())

		logger.Debug().
			Str("error_class", class).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return attempts, nil
	}

	if last == nil {
		return attempts, asQueryError(err)
	}

	if !shouldRetry(last.Class) {
		last.Attempts = attempts
		return attempts, last
	}

	if ctx.Err() != nil {
		logger.Warn().
			Int("attempt", attempts).
			Msg("Context cancelled during retry backoff")
		return attempts, NewCancelledError(ctx.Err())
	}

	lookupRetryExhaustedTotal.WithLabelValues(string(last.Class)).Inc()
	logger.Warn().
		Str("error_class", string(last.Class)).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return attempts, exhaustedError(last, attempts)
}
