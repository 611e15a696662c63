package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/ctisec/misp-postgres-ingester/logging"
)

// Policy defines retry behavior for transient failures.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultPolicy mirrors the platform client's historical retry budget:
// three retries after the first attempt, 300ms initial backoff, doubling.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:   4,
		InitialDelay:  300 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// transientError marks an error as retryable regardless of its text.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the retry manager treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable via Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

var connectionErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"unexpected eof",
}

// Manager executes operations with capped exponential backoff.
type Manager struct {
	policy *Policy
	logger *logging.ComponentLogger
}

// NewManager creates a retry manager. A nil policy selects DefaultPolicy.
func NewManager(policy *Policy, logger *logging.ComponentLogger) *Manager {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Manager{policy: policy, logger: logger}
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is exhausted. Exhaustion returns the last error.
func (m *Manager) Execute(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				m.logger.Info().
					Str("operation", operation).
					Int("attempts", attempt).
					Msg("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !m.isRetryable(err) {
			return err
		}
		if attempt >= m.policy.MaxAttempts {
			m.logger.Error().
				Str("operation", operation).
				Int("attempts", attempt).
				Err(err).
				Msg("Operation failed after max attempts")
			return lastErr
		}

		delay := m.calculateDelay(attempt)
		m.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Err(err).
			Msg("Operation failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

func (m *Manager) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if IsTransient(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range connectionErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func (m *Manager) calculateDelay(attempt int) time.Duration {
	delay := float64(m.policy.InitialDelay) * math.Pow(m.policy.BackoffFactor, float64(attempt-1))
	if m.policy.JitterFactor > 0 {
		delay += delay * m.policy.JitterFactor * (2*rand.Float64() - 1)
	}
	if delay > float64(m.policy.MaxDelay) {
		delay = float64(m.policy.MaxDelay)
	}
	return time.Duration(delay)
}
