package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for network-bound steps such as base image pulls
type RetryConfig struct {
	MaxRetries      int           `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
	Jitter          bool          `json:"jitter"`
	// Retryable decides whether an error is worth another attempt. Nil retries everything
	// except BuildErrors of a non-transient kind.
	Retryable func(error) bool `json:"-"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func() error

// RetryWithContext executes fn until it succeeds, returns a non-retryable error,
// exhausts config.MaxRetries or ctx is done.
func RetryWithContext(ctx context.Context, config *RetryConfig, operation string, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := ExponentialBackoff(attempt, config.InitialInterval, config.Multiplier, config.MaxInterval, config.Jitter)
			select {
			case <-ctx.Done():
				return cancelled(operation, ctx.Err())
			case <-time.After(wait):
			}
		} else if err := ctx.Err(); err != nil {
			return cancelled(operation, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr, config) {
			return lastErr
		}
	}

	return NewErrorBuilder().
		Kind(KindExecutionFailure).
		Category(ErrorCategoryRegistry).
		Operation(operation).
		Messagef("%s failed after %d retries", operation, config.MaxRetries).
		Cause(lastErr).
		Suggestion("Check network connectivity and registry credentials").
		Context("max_retries", config.MaxRetries).
		Build()
}

func cancelled(operation string, cause error) *BuildError {
	return NewErrorBuilder().
		Kind(KindCancelled).
		Operation(operation).
		Message("operation cancelled").
		Cause(cause).
		Build()
}

func isRetryable(err error, config *RetryConfig) bool {
	if config.Retryable != nil {
		return config.Retryable(err)
	}
	switch KindOf(err) {
	case KindInvalidInstruction, KindManifestParse, KindCacheIntegrity, KindCancelled:
		return false
	}
	return true
}

// ExponentialBackoff calculates the wait time before the given attempt
func ExponentialBackoff(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration, jitter bool) time.Duration {
	if attempt <= 0 {
		return 0
	}

	interval := time.Duration(float64(initialInterval) * math.Pow(multiplier, float64(attempt-1)))
	if maxInterval > 0 && interval > maxInterval {
		interval = maxInterval
	}

	if jitter {
		interval = addJitter(interval)
	}

	return interval
}

// addJitter spreads interval by up to ±10%
func addJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return interval
	}
	spread := float64(interval) * 0.1
	return time.Duration(float64(interval) + (rand.Float64()*2-1)*spread)
}
