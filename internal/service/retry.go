package service

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
)

// RetryPolicy re-attempts gateway calls with exponential backoff and full
// jitter. Only errors tagged retryable are re-attempted; everything else
// returns immediately.
type RetryPolicy struct {
	cfg config.RetryConfig
}

// NewRetryPolicy creates a retry policy from configuration.
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{cfg: cfg}
}

// Do runs fn up to MaxRetries times. The backoff before attempt n is
// initialDelay * multiplier^(n-1) capped at maxDelay, scaled down by a
// uniform random factor (full jitter).
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == p.cfg.MaxRetries {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return lastErr
}

func (p *RetryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	if max := float64(p.cfg.MaxDelay); delay > max {
		delay = max
	}
	if p.cfg.JitterFactor > 0 {
		jittered := delay * p.cfg.JitterFactor * rand.Float64()
		delay = delay*(1-p.cfg.JitterFactor) + jittered
	}
	return time.Duration(delay)
}

func isRetryable(err error) bool {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.IsRetryable()
	}
	return false
}
