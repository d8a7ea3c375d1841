package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the context-aware SleepFunc used outside of tests.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Between returns a uniformly distributed duration in [min, max].
func Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	rndMu.Lock()
	defer rndMu.Unlock()
	return min + time.Duration(rnd.Int63n(int64(max-min)+1))
}

// Jitter is a randomized delay range applied before requests so that
// request cadence is not uniform.
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

func NewJitter(min, max time.Duration) Jitter {
	if min > max {
		min, max = max, min
	}
	return Jitter{Min: min, Max: max}
}

func (j Jitter) Duration() time.Duration {
	return Between(j.Min, j.Max)
}

// Wait sleeps for a fresh random duration from the range.
func (j Jitter) Wait(ctx context.Context) error {
	return Sleep(ctx, j.Duration())
}
