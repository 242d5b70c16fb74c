package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/internal/collab"
	"github.com/outflowhq/outflow/pkg/schema"
)

func TestIsRetryableErrorTaggedDelivery(t *testing.T) {
	assert.True(t, IsRetryableError(collab.NewTransientError("rate limited", nil)))
	assert.False(t, IsRetryableError(collab.NewPermanentError("bad recipient", nil)))
}

func TestIsRetryableErrorContext(t *testing.T) {
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(context.Canceled))
}

func TestIsRetryableErrorEngineCodes(t *testing.T) {
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeDeliveryTransient, "x")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "x")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeDeliveryPermanent, "x")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "x")))
}

func TestIsRetryableErrorHeuristics(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("upstream returned 503")))
	assert.False(t, IsRetryableError(errors.New("invalid payload")))
	assert.False(t, IsRetryableError(nil))
}

func TestComputeBackoffExponential(t *testing.T) {
	policy := schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "1s", MaxDelay: "10s"}

	assert.Equal(t, time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 2))
	assert.Equal(t, 4*time.Second, ComputeBackoff(policy, 3))
	// Capped by max_delay.
	assert.Equal(t, 10*time.Second, ComputeBackoff(policy, 5))
}

func TestComputeBackoffLinear(t *testing.T) {
	policy := schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "2s", MaxDelay: "1m"}

	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(policy, 2))
	assert.Equal(t, 6*time.Second, ComputeBackoff(policy, 3))
}

func TestComputeBackoffConstantAndNone(t *testing.T) {
	constant := schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "3s"}
	assert.Equal(t, 3*time.Second, ComputeBackoff(constant, 1))
	assert.Equal(t, 3*time.Second, ComputeBackoff(constant, 4))

	none := schema.RetryPolicy{Max: 3, Backoff: "none", Delay: "3s"}
	assert.Equal(t, time.Duration(0), ComputeBackoff(none, 2))
}

func TestComputeBackoffDefaults(t *testing.T) {
	// Empty policy strings fall back to sane defaults.
	policy := schema.RetryPolicy{Max: 3}
	assert.Equal(t, 2*time.Second, ComputeBackoff(policy, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(policy, 2))
}

func TestWaitForBackoffRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForBackoff(ctx, time.Minute)
	require.Error(t, err)

	var engineErr *schema.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, schema.ErrCodeCancelled, engineErr.Code)
}

func TestWaitForBackoffZero(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 0))
}
