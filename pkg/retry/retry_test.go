// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	jobmgrerrors "github.com/jontk/jobmgr/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffPolicy_Default(t *testing.T) {
	policy := NewExponentialBackoffPolicy()

	assert.Equal(t, 5, policy.MaxRetries())
	assert.Equal(t, 16*time.Millisecond, policy.minWaitTime)
	assert.Equal(t, 2*time.Second, policy.maxWaitTime)
	assert.Equal(t, 2.0, policy.backoffFactor)
	assert.True(t, policy.jitter)
}

func TestExponentialBackoffPolicy_WithMethods(t *testing.T) {
	policy := NewExponentialBackoffPolicy().
		WithMaxRetries(5).
		WithMinWaitTime(2 * time.Second).
		WithMaxWaitTime(60 * time.Second).
		WithBackoffFactor(1.5).
		WithJitter(false)

	assert.Equal(t, 5, policy.MaxRetries())
	assert.Equal(t, 2*time.Second, policy.minWaitTime)
	assert.Equal(t, 60*time.Second, policy.maxWaitTime)
	assert.Equal(t, 1.5, policy.backoffFactor)
	assert.False(t, policy.jitter)
}

func TestExponentialBackoffPolicy_ShouldRetry(t *testing.T) {
	policy := NewExponentialBackoffPolicy().WithMaxRetries(3)
	ctx := context.Background()

	tests := []struct {
		name        string
		err         error
		attempt     int
		shouldRetry bool
	}{
		{
			name:        "scheduler teardown should retry",
			err:         jobmgrerrors.NewJobError(jobmgrerrors.ErrorCodeSchedulerTeardown, "x"),
			attempt:     1,
			shouldRetry: true,
		},
		{
			name:        "max retries exceeded",
			err:         jobmgrerrors.NewJobError(jobmgrerrors.ErrorCodeSchedulerTeardown, "x"),
			attempt:     3,
			shouldRetry: false,
		},
		{
			name:        "kvs commit failure should not retry",
			err:         jobmgrerrors.NewJobError(jobmgrerrors.ErrorCodeKVSCommitFailed, "x"),
			attempt:     1,
			shouldRetry: false,
		},
		{
			name:        "validation failure should not retry",
			err:         jobmgrerrors.NewJobError(jobmgrerrors.ErrorCodeValidationFailed, "x"),
			attempt:     1,
			shouldRetry: false,
		},
		{
			name:        "nil error should not retry",
			err:         nil,
			attempt:     1,
			shouldRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := policy.ShouldRetry(ctx, tt.err, tt.attempt)
			assert.Equal(t, tt.shouldRetry, result)
		})
	}
}

func TestExponentialBackoffPolicy_ShouldRetryWithCancelledContext(t *testing.T) {
	policy := NewExponentialBackoffPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := policy.ShouldRetry(ctx, errors.New("error"), 1)
	assert.False(t, result)
}

func TestExponentialBackoffPolicy_WaitTime(t *testing.T) {
	policy := NewExponentialBackoffPolicy().
		WithMinWaitTime(1 * time.Second).
		WithMaxWaitTime(10 * time.Second).
		WithBackoffFactor(2.0).
		WithJitter(false)

	tests := []struct {
		name        string
		attempt     int
		expectedMin time.Duration
		expectedMax time.Duration
	}{
		{"attempt 0", 0, 1 * time.Second, 1 * time.Second},
		{"attempt 1", 1, 1 * time.Second, 1 * time.Second},
		{"attempt 2", 2, 2 * time.Second, 2 * time.Second},
		{"attempt 3", 3, 4 * time.Second, 4 * time.Second},
		{"attempt 4 (below max)", 4, 8 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			waitTime := policy.WaitTime(tt.attempt)

			if tt.expectedMin == tt.expectedMax {
				assert.Equal(t, tt.expectedMin, waitTime)
			} else {
				assert.GreaterOrEqual(t, waitTime, tt.expectedMin)
				assert.LessOrEqual(t, waitTime, tt.expectedMax)
			}
		})
	}
}

func TestExponentialBackoffPolicy_WaitTimeWithJitter(t *testing.T) {
	policy := NewExponentialBackoffPolicy().
		WithMinWaitTime(1 * time.Second).
		WithMaxWaitTime(10 * time.Second).
		WithBackoffFactor(2.0).
		WithJitter(true)

	waitTime1 := policy.WaitTime(2)
	waitTime2 := policy.WaitTime(2)

	baseWaitTime := 2 * time.Second
	assert.GreaterOrEqual(t, waitTime1, baseWaitTime)
	assert.GreaterOrEqual(t, waitTime2, baseWaitTime)
	assert.LessOrEqual(t, waitTime1, baseWaitTime+time.Duration(float64(baseWaitTime)*0.1))
	assert.LessOrEqual(t, waitTime2, baseWaitTime+time.Duration(float64(baseWaitTime)*0.1))
}

func TestFixedDelay(t *testing.T) {
	maxRetries := 3
	delay := 5 * time.Second
	policy := NewFixedDelay(maxRetries, delay)

	assert.Equal(t, maxRetries, policy.MaxRetries())
	assert.Equal(t, delay, policy.WaitTime(1))
	assert.Equal(t, delay, policy.WaitTime(5))

	ctx := context.Background()
	retryable := jobmgrerrors.NewJobError(jobmgrerrors.ErrorCodeExecTeardown, "x")

	assert.True(t, policy.ShouldRetry(ctx, retryable, 1))
	assert.False(t, policy.ShouldRetry(ctx, retryable, 3))
	assert.False(t, policy.ShouldRetry(ctx, nil, 1))
}

func TestFixedDelay_ShouldRetryWithCancelledContext(t *testing.T) {
	policy := NewFixedDelay(3, 1*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := policy.ShouldRetry(ctx, errors.New("error"), 1)
	assert.False(t, result)
}

func TestNoRetry(t *testing.T) {
	policy := NewNoRetry()

	assert.Equal(t, 0, policy.MaxRetries())
	assert.Equal(t, time.Duration(0), policy.WaitTime(1))

	ctx := context.Background()

	assert.False(t, policy.ShouldRetry(ctx, errors.New("error"), 0))
	assert.False(t, policy.ShouldRetry(ctx, errors.New("error"), 1))
}

func TestPolicyInterface(t *testing.T) {
	var _ Policy = &ExponentialBackoffPolicy{}
	var _ Policy = &FixedDelay{}
	var _ Policy = &NoRetry{}

	policies := []Policy{
		NewExponentialBackoffPolicy(),
		NewFixedDelay(3, 1*time.Second),
		NewNoRetry(),
	}

	ctx := context.Background()

	for _, policy := range policies {
		maxRetries := policy.MaxRetries()
		assert.GreaterOrEqual(t, maxRetries, 0)

		waitTime := policy.WaitTime(1)
		assert.GreaterOrEqual(t, waitTime, time.Duration(0))

		shouldRetry := policy.ShouldRetry(ctx, errors.New("error"), 0)
		_ = shouldRetry
	}
}

func TestFromConnectorRetryCount(t *testing.T) {
	policy := FromConnectorRetryCount(9, 16*time.Millisecond, 2*time.Second)

	assert.Equal(t, 9, policy.MaxRetries())
	assert.Equal(t, 16*time.Millisecond, policy.minWaitTime)
	assert.Equal(t, 2*time.Second, policy.maxWaitTime)
}
