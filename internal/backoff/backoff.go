// Package backoff provides a bounded exponential-backoff executor used
// for the configurable refresh retry policy. Which failures count as
// retryable is decided by the caller through a predicate; this package
// only schedules attempts.
package backoff

import (
	"context"
	"time"
)

// Validation bounds for Config fields.
const (
	MinAttempts = 0
	MaxAttempts = 10

	MinInitialDelay = time.Millisecond
	MaxInitialDelay = 30 * time.Second

	MinFactor = 1.0
	MaxFactor = 10.0

	MaxMaxDelay = 5 * time.Minute
)

// Config defines a retry schedule. The zero value disables retries
// entirely: the operation runs exactly once.
type Config struct {
	// MaxRetries is the number of re-attempts after the first try.
	MaxRetries int
	// InitialDelay is the pause before the first retry.
	InitialDelay time.Duration
	// Factor multiplies the delay after each retry.
	Factor float64
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
}

// Validate clamps every field into its legal range and returns the
// adjusted copy.
func (c Config) Validate() Config {
	v := c

	if v.MaxRetries < MinAttempts {
		v.MaxRetries = MinAttempts
	} else if v.MaxRetries > MaxAttempts {
		v.MaxRetries = MaxAttempts
	}

	if v.InitialDelay < MinInitialDelay {
		v.InitialDelay = MinInitialDelay
	} else if v.InitialDelay > MaxInitialDelay {
		v.InitialDelay = MaxInitialDelay
	}

	if v.Factor < MinFactor {
		v.Factor = MinFactor
	} else if v.Factor > MaxFactor {
		v.Factor = MaxFactor
	}

	if v.MaxDelay < v.InitialDelay {
		v.MaxDelay = v.InitialDelay
	} else if v.MaxDelay > MaxMaxDelay {
		v.MaxDelay = MaxMaxDelay
	}

	return v
}

// Execute runs op, re-attempting per cfg while retryable(err) holds.
// A nil cfg or zero MaxRetries means a single attempt. Context
// cancellation is honored before each attempt and during each delay;
// the last operation error is returned unwrapped.
func Execute(ctx context.Context, op func() error, retryable func(error) bool, cfg *Config) error {
	if cfg == nil || cfg.MaxRetries == 0 {
		return op()
	}

	var lastErr error
	attempts := cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if retryable == nil || !retryable(lastErr) {
			return lastErr
		}

		if attempt == attempts {
			break
		}

		delay := cfg.InitialDelay
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * cfg.Factor)
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}
