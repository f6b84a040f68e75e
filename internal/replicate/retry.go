package replicate

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	relayerr "github.com/bleepstore/bleeprelay/internal/errors"
)

// RetryPolicy bounds a retry cycle.
type RetryPolicy struct {
	// MinBackoff is the delay before the first re-attempt.
	MinBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter adds a random fraction in [0, Jitter) of the delay.
	Jitter float64
	// MaxRetries bounds the number of re-attempts (0 means no retries).
	MaxRetries int
	// Timeout bounds the whole cycle; zero means no time bound.
	Timeout time.Duration
}

// DefaultRetryPolicy mirrors the production worker defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinBackoff: time.Second,
		MaxBackoff: 5 * time.Minute,
		Factor:     2,
		Jitter:     0.1,
		MaxRetries: 5,
		Timeout:    300 * time.Second,
	}
}

// Op is one retryable operation.
type Op struct {
	// Describe names the operation for logging.
	Describe string
	// Attempt performs one attempt.
	Attempt func(ctx context.Context) error
	// OnRetry, if set, runs before each re-attempt. It is never invoked
	// after a terminal (non-retryable or exhausted) error. The destination
	// gateway uses it to advance the endpoint picker and rebind its client.
	OnRetry func(err error)
}

// Runner executes operations under a RetryPolicy, retrying only errors the
// classifier reports as retryable.
type Runner struct {
	policy RetryPolicy
	log    *slog.Logger
}

// NewRunner returns a Runner with the given policy.
func NewRunner(policy RetryPolicy, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{policy: policy, log: log}
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxRetries, or the cycle times out. The last attempt's error is returned
// on failure.
func (r *Runner) Do(ctx context.Context, op Op) error {
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	delay := r.policy.MinBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = op.Attempt(ctx)
		if err == nil {
			return nil
		}
		if !relayerr.IsRetryable(err) {
			return err
		}
		if attempt >= r.policy.MaxRetries {
			r.log.Warn("retries exhausted", "op", op.Describe, "attempts", attempt+1, "error", err)
			return err
		}

		wait := delay
		if r.policy.Jitter > 0 {
			wait += time.Duration(rand.Float64() * r.policy.Jitter * float64(delay))
		}
		r.log.Debug("retrying", "op", op.Describe, "attempt", attempt+1, "backoff", wait, "error", err)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}

		if op.OnRetry != nil {
			op.OnRetry(err)
		}

		delay = time.Duration(float64(delay) * r.policy.Factor)
		if delay > r.policy.MaxBackoff {
			delay = r.policy.MaxBackoff
		}
	}
}
