/*
retry.go - Bounded exponential-backoff wrapper for external calls

Every call to the payment source, the ledger and the notification channels
goes through Retry. Delay doubles per attempt (base, 2*base, 4*base, ...)
and sleeps are context-aware so a cancelled run never pins a lock holder.
*/
package engine

import (
	"context"
	"log"
	"time"
)

// RetryConfig bounds one retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// RetryConfigFrom extracts the external-call retry budget from Config.
func RetryConfigFrom(cfg Config) RetryConfig {
	return RetryConfig{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}
}

// Retry runs op up to cfg.MaxAttempts times. The delay before attempt n+1
// is BaseDelay * 2^(n-1). On exhaustion the last error is wrapped in a
// TransientError so callers can match with errors.Is(err, ErrTransientSource).
func Retry(ctx context.Context, label string, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.BaseDelay << (attempt - 1)
		log.Printf("[Retry] %s attempt %d/%d failed: %v (next in %v)",
			label, attempt, cfg.MaxAttempts, lastErr, delay)

		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}

	return &TransientError{
		Op:       label,
		Attempts: cfg.MaxAttempts,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}

// sleepCtx sleeps d or returns early with the context's error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
