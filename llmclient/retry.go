package llmclient

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries int           // retry attempts after the initial call
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // ceiling on any single delay
	Multiplier float64       // exponential backoff factor
	Jitter     bool          // randomize delays to prevent thundering herd
	OnRetry    func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the retry policy used for turn requests.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   15 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay calculates the backoff delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(
		float64(p.BaseDelay)*math.Pow(p.Multiplier, float64(attempt)),
		float64(p.MaxDelay),
	)
	if p.Jitter {
		// +/- 50% jitter: rand in [0,1) -> [0.5, 1.5)
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay)
}

// BackoffDelay returns the delay to wait before retrying after err. A
// provider-suggested delay takes precedence over the exponential schedule,
// capped at MaxDelay.
func (p RetryPolicy) BackoffDelay(err error, attempt int) time.Duration {
	if suggested := SuggestedDelay(err); suggested > 0 {
		if suggested > p.MaxDelay {
			return p.MaxDelay
		}
		return suggested
	}
	return p.Delay(attempt)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes fn under the policy, retrying only retryable errors. Errors
// are classified before the retry decision, so fn may return raw SDK errors.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}
	err = ClassifyError(err)

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay := policy.BackoffDelay(err, attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return zero, serr
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		err = ClassifyError(err)
	}

	return zero, err
}
