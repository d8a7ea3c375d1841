package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/maltedev/stealth-crawler/internal/ratelimit"
)

const DefaultMaxRetries = 3

// RetryPolicy holds the backoff schedule shared by every transport. One
// counter bounds all retry-triggering outcomes of a logical fetch.
type RetryPolicy struct {
	MaxRetries int

	// RateLimitBase is doubled per retry for 429 responses.
	RateLimitBase   time.Duration
	RateLimitJitter ratelimit.Jitter
	BlockedJitter   ratelimit.Jitter
	TransientJitter ratelimit.Jitter
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      DefaultMaxRetries,
		RateLimitBase:   5 * time.Second,
		RateLimitJitter: ratelimit.NewJitter(1*time.Second, 5*time.Second),
		BlockedJitter:   ratelimit.NewJitter(10*time.Second, 30*time.Second),
	}
}

// Backoff returns how long to wait after an attempt with the given outcome
// before the next one.
func (p RetryPolicy) Backoff(outcome Outcome, retry int) time.Duration {
	switch outcome {
	case OutcomeRateLimited:
		if retry > 30 {
			retry = 30
		}
		return p.RateLimitBase*time.Duration(1<<uint(retry)) + p.RateLimitJitter.Duration()
	case OutcomeBlocked:
		return p.BlockedJitter.Duration()
	default:
		return p.TransientJitter.Duration()
	}
}

// attemptFunc performs try number retry and reports its outcome.
type attemptFunc func(ctx context.Context, retry int) (string, Attempt)

// retryLoop drives attempts until success, a non-retryable outcome, budget
// exhaustion or cancellation. beforeRetry runs after a retryable failure and
// before the backoff sleep.
type retryLoop struct {
	policy      RetryPolicy
	sleep       ratelimit.SleepFunc
	logger      *slog.Logger
	beforeRetry func(a Attempt)
}

func (l retryLoop) run(ctx context.Context, url string, attempt attemptFunc) (string, error) {
	for retry := 0; ; retry++ {
		body, a := attempt(ctx, retry)
		a.URL = url
		a.Retry = retry

		if a.Outcome == OutcomeSuccess {
			return body, nil
		}

		if ctx.Err() != nil {
			a.Outcome = OutcomeCancelled
			a.Err = ctx.Err()
			return "", newFetchError(a, false)
		}

		if !a.Outcome.Retryable() {
			l.logger.Error("fetch failed",
				"url", url,
				"outcome", a.Outcome.String(),
				"status", a.StatusCode,
				"error", a.Err)
			return "", newFetchError(a, false)
		}

		if retry >= l.policy.MaxRetries {
			l.logger.Error("fetch failed, retries exhausted",
				"url", url,
				"outcome", a.Outcome.String(),
				"attempts", retry+1,
				"status", a.StatusCode,
				"error", a.Err)
			return "", newFetchError(a, true)
		}

		wait := l.policy.Backoff(a.Outcome, retry)
		l.logger.Warn("retrying fetch",
			"url", url,
			"outcome", a.Outcome.String(),
			"status", a.StatusCode,
			"retry", retry+1,
			"max_retries", l.policy.MaxRetries,
			"wait", wait)

		if l.beforeRetry != nil {
			l.beforeRetry(a)
		}

		if err := l.sleep(ctx, wait); err != nil {
			a.Outcome = OutcomeCancelled
			a.Err = err
			return "", newFetchError(a, false)
		}
	}
}

// Run exposes the shared retry loop to transports outside this package.
func (p RetryPolicy) Run(ctx context.Context, url string, sleep ratelimit.SleepFunc, logger *slog.Logger,
	beforeRetry func(Attempt), attempt func(ctx context.Context, retry int) (string, Attempt)) (string, error) {
	if sleep == nil {
		sleep = ratelimit.Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	loop := retryLoop{policy: p, sleep: sleep, logger: logger, beforeRetry: beforeRetry}
	return loop.run(ctx, url, attempt)
}
