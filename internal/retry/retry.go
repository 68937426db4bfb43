// Package retry provides bounded exponential backoff for job failures and
// short in-call retries against external services.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/timmy/sermontube/internal/config"
	"github.com/timmy/sermontube/internal/domain"
)

// Policy decides whether a failed Job gets another attempt and when.
type Policy struct {
	// MaxRetries is the number of retries allowed after the first failure.
	MaxRetries int
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every delay.
	Max time.Duration
}

// PolicyFromConfig builds a Policy from the scheduler options.
func PolicyFromConfig(cfg config.SchedulerConfig) Policy {
	return Policy{
		MaxRetries: cfg.MaxRetries,
		Base:       cfg.BackoffBase,
		Max:        cfg.BackoffMax,
	}
}

// Backoff returns min(Base * 2^retryCount, Max).
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Outcome is the result of applying the Policy to one failure.
type Outcome struct {
	RetryCount  int
	NextRetryAt *time.Time // nil: retry budget exhausted
}

// Exhausted reports whether the Job must stay Failed.
func (o Outcome) Exhausted() bool {
	return o.NextRetryAt == nil
}

// Next applies a failure to a Job that has already been retried retryCount
// times. Non-retryable errors exhaust the budget immediately.
func (p Policy) Next(retryCount int, err error, now time.Time) Outcome {
	next := retryCount + 1
	if !IsRetryable(err) || next > p.MaxRetries {
		return Outcome{RetryCount: next}
	}
	at := now.Add(p.Backoff(retryCount)).UTC()
	return Outcome{RetryCount: next, NextRetryAt: &at}
}

// ErrorClassifier determines if an error is retryable.
type ErrorClassifier func(error) bool

// IsRetryable classifies err. Cancellation and the caller-side taxonomy
// errors are permanent; timeouts and everything else are transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrPermanentFailure) {
		return false
	}
	return true
}

// Config holds in-call retry configuration.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64 // 0.0-1.0
}

// DefaultConfig returns sensible defaults for short external calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Do executes fn, retrying retryable errors with jittered exponential backoff.
func Do(ctx context.Context, cfg Config, classifier ErrorClassifier, fn func(context.Context) error) error {
	if classifier == nil {
		classifier = IsRetryable
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !classifier(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		sleep := backoff + jitter(backoff, cfg.JitterFraction)
		if sleep > cfg.MaxBackoff {
			sleep = cfg.MaxBackoff
		}

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return 0
	}
	jitterRange := float64(d) * fraction
	return time.Duration((rand.Float64() - 0.5) * 2 * jitterRange)
}
