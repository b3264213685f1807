package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// BackoffStrategy shapes the delay between retries.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffConstant    BackoffStrategy = "constant"
)

// RetryPolicy bounds retries of transient provider failures. The queue uses
// the same policy for failed delay continuations.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	Delay       time.Duration // base delay
	MaxDelay    time.Duration // cap, zero means uncapped
	Backoff     BackoffStrategy
}

// DefaultRetryPolicy: 3 attempts, 1s doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		Backoff:     BackoffExponential,
	}
}

// transientMarkers are substrings of provider errors that arrive unstructured
// (SDK and SMTP errors) and are worth retrying.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"too many requests",
	"rate limit",
	"resource_exhausted",
	"try again later",
}

// IsRetryableError reports whether a node error is worth another attempt.
// Structured errors decide by code, so 403/404 responses, validation and
// quota errors never retry. Unstructured errors retry on network failures and
// known transient messages only.
func IsRetryableError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	if e, ok := schema.AsEngineError(err); ok {
		return e.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	case BackoffConstant:
		delay = policy.Delay
	default:
		delay = policy.Delay
		for i := 0; i < attempt && delay <= math.MaxInt64/2; i++ {
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				break
			}
			delay *= 2
		}
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay unless ctx ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
