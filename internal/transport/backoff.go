package transport

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// BackoffConfig configures retry delays: exponential growth from
// InitialDelay, capped at MaxDelay, with optional deterministic jitter.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// DelayForAttempt returns the delay before retry `attempt` (1-indexed).
// Jitter is seeded, not random: the same (seed, attempt) pair always
// yields the same delay, which keeps retry timing reproducible in tests
// and in replayed runs.
func DelayForAttempt(attempt int, cfg BackoffConfig, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 1.0
	}
	base := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		base = math.Min(base, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		base *= 0.5 + jitterUnit(fmt.Sprintf("%s:%d", seed, attempt)) // [0.5, 1.5)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// Retry runs fn up to maxAttempts times, sleeping per the backoff config
// between attempts. Only retryable errors re-enter the loop; validation
// rejections and context cancellation surface immediately. A server's
// Retry-After hint overrides the computed delay when longer.
func Retry(ctx context.Context, maxAttempts int, cfg BackoffConfig, seed string, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || ctx.Err() != nil {
			return lastErr
		}
		if !IsRetryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		delay := DelayForAttempt(attempt, cfg, seed)
		var te Error
		if errors.As(lastErr, &te) {
			if ra := te.RetryAfter(); ra != nil && *ra > delay {
				delay = *ra
			}
		}
		if !SleepContext(ctx, delay) {
			return lastErr
		}
	}
	return lastErr
}

// SleepContext sleeps for delay unless ctx is done first; reports whether
// the full delay elapsed.
func SleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
