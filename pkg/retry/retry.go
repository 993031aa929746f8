// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	jobmgrerrors "github.com/jontk/jobmgr/pkg/errors"
)

// Policy defines a retry policy for a failed operation.
type Policy interface {
	// ShouldRetry determines if a failed attempt should be retried.
	ShouldRetry(ctx context.Context, err error, attempt int) bool

	// WaitTime returns the wait time before the next retry.
	WaitTime(attempt int) time.Duration

	// MaxRetries returns the maximum number of retries.
	MaxRetries() int
}

// ExponentialBackoffPolicy implements exponential backoff; see
// FromConnectorRetryCount for the FLUX_LOCAL_CONNECTOR_RETRY_COUNT form.
type ExponentialBackoffPolicy struct {
	maxRetries    int
	minWaitTime   time.Duration
	maxWaitTime   time.Duration
	backoffFactor float64
	jitter        bool
}

// NewExponentialBackoffPolicy creates an exponential backoff retry policy.
func NewExponentialBackoffPolicy() *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		maxRetries:    5,
		minWaitTime:   16 * time.Millisecond,
		maxWaitTime:   2 * time.Second,
		backoffFactor: 2.0,
		jitter:        true,
	}
}

// WithMaxRetries sets the maximum number of retries.
func (e *ExponentialBackoffPolicy) WithMaxRetries(maxRetries int) *ExponentialBackoffPolicy {
	e.maxRetries = maxRetries
	return e
}

// WithMinWaitTime sets the minimum wait time.
func (e *ExponentialBackoffPolicy) WithMinWaitTime(minWaitTime time.Duration) *ExponentialBackoffPolicy {
	e.minWaitTime = minWaitTime
	return e
}

// WithMaxWaitTime sets the maximum wait time.
func (e *ExponentialBackoffPolicy) WithMaxWaitTime(maxWaitTime time.Duration) *ExponentialBackoffPolicy {
	e.maxWaitTime = maxWaitTime
	return e
}

// WithBackoffFactor sets the backoff factor.
func (e *ExponentialBackoffPolicy) WithBackoffFactor(backoffFactor float64) *ExponentialBackoffPolicy {
	e.backoffFactor = backoffFactor
	return e
}

// WithJitter enables or disables jitter.
func (e *ExponentialBackoffPolicy) WithJitter(jitter bool) *ExponentialBackoffPolicy {
	e.jitter = jitter
	return e
}

// ShouldRetry determines if a failed attempt should be retried.
func (e *ExponentialBackoffPolicy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= e.maxRetries {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	if err == nil {
		return false
	}

	return jobmgrerrors.IsRetryableError(err)
}

// WaitTime returns the wait time before the next retry.
func (e *ExponentialBackoffPolicy) WaitTime(attempt int) time.Duration {
	if attempt <= 0 {
		return e.minWaitTime
	}

	waitTime := time.Duration(float64(e.minWaitTime) * math.Pow(e.backoffFactor, float64(attempt-1)))

	if waitTime > e.maxWaitTime {
		waitTime = e.maxWaitTime
	}

	if e.jitter {
		jitterAmount := time.Duration(rand.Float64() * float64(waitTime) * 0.1)
		waitTime += jitterAmount
	}

	return waitTime
}

// MaxRetries returns the maximum number of retries.
func (e *ExponentialBackoffPolicy) MaxRetries() int {
	return e.maxRetries
}

// FixedDelay implements a fixed delay retry policy.
type FixedDelay struct {
	maxRetries int
	delay      time.Duration
}

// NewFixedDelay creates a new fixed delay retry policy.
func NewFixedDelay(maxRetries int, delay time.Duration) *FixedDelay {
	return &FixedDelay{
		maxRetries: maxRetries,
		delay:      delay,
	}
}

// ShouldRetry determines if a failed attempt should be retried.
func (f *FixedDelay) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= f.maxRetries {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	default:
	}

	if err == nil {
		return false
	}

	return jobmgrerrors.IsRetryableError(err)
}

// WaitTime returns the fixed delay.
func (f *FixedDelay) WaitTime(attempt int) time.Duration {
	return f.delay
}

// MaxRetries returns the maximum number of retries.
func (f *FixedDelay) MaxRetries() int {
	return f.maxRetries
}

// NoRetry implements a no-retry policy.
type NoRetry struct{}

// NewNoRetry creates a new no-retry policy.
func NewNoRetry() *NoRetry {
	return &NoRetry{}
}

func (n *NoRetry) ShouldRetry(ctx context.Context, err error, attempt int) bool { return false }
func (n *NoRetry) WaitTime(attempt int) time.Duration                          { return 0 }
func (n *NoRetry) MaxRetries() int                                             { return 0 }

// FromConnectorRetryCount builds an exponential backoff policy
// parameterized by the configured FLUX_LOCAL_CONNECTOR_RETRY_COUNT and its
// backoff bounds.
func FromConnectorRetryCount(retryCount int, minWait, maxWait time.Duration) *ExponentialBackoffPolicy {
	return NewExponentialBackoffPolicy().
		WithMaxRetries(retryCount).
		WithMinWaitTime(minWait).
		WithMaxWaitTime(maxWait)
}
