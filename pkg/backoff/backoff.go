// Package backoff provides bounded retries with exponential delay growth.
package backoff

import (
	"context"
	"fmt"
	"time"
)

// Config controls how Retry spaces and bounds its attempts.
type Config struct {
	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// MaxAttempts limits the number of attempts. Zero means no attempt limit.
	MaxAttempts int
	// MaxElapsed bounds the total time spent retrying. Zero means no deadline
	// beyond the caller's context.
	MaxElapsed time.Duration
}

// DefaultConfig returns the retry settings used by the probes.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      60 * time.Second,
	}
}

// Retry runs op until it succeeds, the context is cancelled, or the attempt
// budget is exhausted. The delay between attempts starts at InitialInterval
// and doubles up to MaxInterval. The returned error wraps the last error from
// op together with the attempt count.
func Retry(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	if cfg.MaxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.MaxElapsed)
		defer cancel()
	}

	interval := cfg.InitialInterval

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
}
