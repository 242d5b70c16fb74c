package executor

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/outflowhq/outflow/internal/collab"
	"github.com/outflowhq/outflow/pkg/schema"
)

// IsRetryableError classifies a delivery failure. Tagged delivery errors are
// authoritative; untagged errors fall back to network and message heuristics.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var delivery *collab.DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Transient()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Code {
		case schema.ErrCodeDeliveryTransient, schema.ErrCodeTimeout:
			return true
		case schema.ErrCodeDeliveryPermanent, schema.ErrCodeValidation, schema.ErrCodeCancelled:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "timed out", "temporarily", "temporary",
		"rate limit", "too many requests", "connection refused",
		"connection reset", "unavailable", "502", "503", "504",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the wait before the given retry attempt (1-based:
// attempt 1 is the wait before the second try). The result is capped by the
// policy's max delay.
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := parseDurationOr(policy.Delay, 2*time.Second)
	var delay time.Duration

	switch policy.Backoff {
	case "none":
		return 0
	case "constant":
		delay = base
	case "linear":
		delay = base * time.Duration(attempt)
	default: // exponential
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > 10*time.Minute {
				break
			}
		}
	}

	maxDelay := parseDurationOr(policy.MaxDelay, time.Minute)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the given duration, returning early with a
// CANCELLED error if the context is done first.
func WaitForBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "backoff interrupted").WithCause(ctx.Err())
	case <-timer.C:
		return nil
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
