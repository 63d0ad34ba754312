package llm

import (
	"context"
	"math"
	"time"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
	"github.com/XiaoConstantine/labloop/pkg/logging"
)

// RetryPolicy defines how transient inference failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier determines how the wait grows between retries.
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

type retryService struct {
	inner  Service
	policy RetryPolicy
}

// WithRetry wraps a Service with bounded exponential backoff. Only transient
// failures (rate limits, timeouts, service errors, malformed responses) are
// retried; everything else surfaces immediately.
func WithRetry(inner Service, policy RetryPolicy) Service {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2.0
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 500 * time.Millisecond
	}
	return &retryService{inner: inner, policy: policy}
}

func (r *retryService) Complete(ctx context.Context, req Request) (*Response, error) {
	logger := logging.GetLogger()

	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(r.policy.InitialBackoff) *
				math.Pow(r.policy.BackoffMultiplier, float64(attempt-1)))

			logger.Warn(ctx, "retrying inference call after %v (attempt %d/%d): %v",
				wait, attempt+1, r.policy.MaxAttempts, lastErr)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, errs.Wrap(ctx.Err(), errs.Canceled, "context canceled during retry backoff")
			}
		}

		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errs.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, errs.WithFields(
		errs.Wrap(lastErr, errs.InferenceFailed, "max retry attempts reached"),
		errs.Fields{"max_attempts": r.policy.MaxAttempts})
}
