package fabric

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelayDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 5*time.Second, p.Delay(4))
	require.Equal(t, 5*time.Second, p.Delay(60))
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	require.False(t, p.Exhausted(2))
	require.True(t, p.Exhausted(3))

	require.False(t, RetryPolicy{}.Exhausted(4))
	require.True(t, RetryPolicy{}.Exhausted(5))
}

func TestErrorClassification(t *testing.T) {
	perm := fmt.Errorf("wrapped: %w", Permanent(errors.New("bad")))
	require.True(t, IsPermanent(perm))
	require.False(t, IsRetryable(perm))

	retry := Retryable(errors.New("later"))
	require.True(t, IsRetryable(retry))
	require.False(t, IsPermanent(retry))

	require.NoError(t, Retryable(nil))
	require.NoError(t, Permanent(nil))
}
