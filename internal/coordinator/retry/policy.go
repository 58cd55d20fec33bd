// Package retry provides the backoff policy used to re-establish long-lived
// subscriptions after the fast store drops them.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy defines reconnect behavior
type Policy struct {
	MaxRetries        int           // Maximum consecutive attempts (0 = retry forever)
	InitialDelay      time.Duration // Delay before the first retry
	MaxDelay          time.Duration // Maximum delay between retries
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g., 2.0)
}

// DefaultPolicy returns the reconnect policy for the event bus
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        0,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// QuickRetryPolicy returns a policy with minimal backoff, for tests and
// single-instance deployments where the store is in-process
func QuickRetryPolicy() Policy {
	return Policy{
		MaxRetries:        0,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		BackoffMultiplier: 1.5,
	}
}

// CalculateDelay calculates the delay before attempt number retryCount
func (p *Policy) CalculateDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.InitialDelay
	}

	// Calculate exponential backoff: initialDelay * (multiplier ^ retryCount)
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount))

	// Cap at maximum delay
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed
func (p *Policy) ShouldRetry(retryCount int) bool {
	return p.MaxRetries == 0 || retryCount < p.MaxRetries
}

// Wait sleeps for the delay of attempt retryCount or until ctx is done
func (p *Policy) Wait(ctx context.Context, retryCount int) error {
	timer := time.NewTimer(p.CalculateDelay(retryCount))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Validate checks if the policy configuration is valid
func (p *Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("BackoffMultiplier must be at least 1")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}
