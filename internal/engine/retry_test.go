package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(errors.New("Throttling: rate exceeded")))
	assert.True(t, IsTransientError(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransientError(errors.New("503 Service Unavailable")))
	assert.True(t, IsTransientError(errors.New("read: connection reset by peer")))

	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("AccessDenied: not authorized")))
	assert.False(t, IsTransientError(errors.New("ValidationError: bad ami id")))
}

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := RetryWithBackoff(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errors.New("throttled, request limit exceeded")
		}
		return nil
	}, IsTransientError)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_NonRetryableFailsImmediately(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := RetryWithBackoff(context.Background(), policy, func() error {
		calls++
		return errors.New("AccessDenied")
	}, IsTransientError)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := RetryWithBackoff(context.Background(), policy, func() error {
		calls++
		return fmt.Errorf("timeout on attempt %d", calls)
	}, IsTransientError)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Equal(t, 3, calls)
}
