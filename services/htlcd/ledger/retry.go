package ledger

import (
	"context"
	"time"

	"xswap/observability"
)

// Policy bounds the exponential backoff applied to retryable ledger failures.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the delay before the given retry (1-based).
func (p Policy) Backoff(retry int) time.Duration {
	if p.InitialBackoff <= 0 || retry <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialBackoff)
	for i := 1; i < retry; i++ {
		delay *= multiplier
		if p.MaxBackoff > 0 && time.Duration(delay) >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return time.Duration(delay)
}

// Retry invokes fn until it succeeds, returns a non-retryable error, the
// attempt budget is exhausted or ctx is cancelled. The last error is returned.
func Retry[T any](ctx context.Context, policy Policy, method string, fn func(context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt == attempts {
			return out, err
		}
		observability.Adapters().RecordRetry(method)
		delay := policy.Backoff(attempt)
		if delay <= 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		case <-timer.C:
		}
	}
	return out, err
}
