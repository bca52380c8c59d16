package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// retrySpec is a RetryPolicy with parsed durations.
type retrySpec struct {
	MaxAttempts  int
	Backoff      string
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func parseRetryPolicy(p *schema.RetryPolicy) (*retrySpec, error) {
	if p.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry max_attempts must not be negative")
	}
	spec := &retrySpec{MaxAttempts: p.MaxAttempts, Backoff: p.Backoff}
	switch p.Backoff {
	case "", schema.BackoffFixed, schema.BackoffLinear, schema.BackoffExponential:
	default:
		return nil, fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	if p.InitialDelay != "" {
		d, err := time.ParseDuration(p.InitialDelay)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid retry initial_delay %q", p.InitialDelay)
		}
		spec.InitialDelay = d
	}
	if p.MaxDelay != "" {
		d, err := time.ParseDuration(p.MaxDelay)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid retry max_delay %q", p.MaxDelay)
		}
		spec.MaxDelay = d
	}
	return spec, nil
}

// maxAttempts returns how many times a step may run in total.
func (r *retrySpec) maxAttempts() int {
	if r == nil || r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// IsRetryableError classifies whether an error should be retried.
// Timeouts, network errors and plain agent errors are retryable; validation,
// cancellation and typed errors with non-retryable codes are not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var suspend *schema.SuspendRequest
	if errors.As(err, &suspend) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"invalid input", "permission denied", "unauthorized", "forbidden"} {
		if strings.Contains(msg, p) {
			return false
		}
	}

	// Let the retry policy bound everything else.
	return true
}

// ComputeBackoff returns the delay after the given failed attempt (1-based).
//
//	fixed:       initial
//	linear:      attempt * initial
//	exponential: initial * 2^(attempt-1)
//
// The result is capped at MaxDelay when one is set.
func ComputeBackoff(spec *retrySpec, attempt int) time.Duration {
	if spec == nil || spec.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	base := spec.InitialDelay
	var delay time.Duration
	switch spec.Backoff {
	case schema.BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if spec.MaxDelay > 0 && delay >= spec.MaxDelay {
				break
			}
		}
	case schema.BackoffLinear:
		delay = base * time.Duration(attempt)
	default:
		delay = base
	}

	if spec.MaxDelay > 0 && delay > spec.MaxDelay {
		delay = spec.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
