package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBetween(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := Between(time.Second, 3*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}

	assert.Equal(t, 2*time.Second, Between(2*time.Second, 2*time.Second))
	assert.Equal(t, 2*time.Second, Between(2*time.Second, time.Second))
}

func TestNewJitter_SwapsInvertedRange(t *testing.T) {
	j := NewJitter(5*time.Second, time.Second)
	assert.Equal(t, time.Second, j.Min)
	assert.Equal(t, 5*time.Second, j.Max)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleep_Elapses(t *testing.T) {
	err := Sleep(context.Background(), 5*time.Millisecond)
	assert.NoError(t, err)
}

func TestGate_BoundsConcurrency(t *testing.T) {
	const limit = 3
	gate := NewGate(limit)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.Do(context.Background(), func(ctx context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				assert.LessOrEqual(t, gate.InFlight(), limit)
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Equal(t, 0, gate.InFlight())
}

func TestGate_ReleasesOnErrorAndPanic(t *testing.T) {
	gate := NewGate(1)
	boom := errors.New("boom")

	err := gate.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, gate.InFlight())

	func() {
		defer func() { _ = recover() }()
		_ = gate.Do(context.Background(), func(ctx context.Context) error { panic("fetch exploded") })
	}()
	assert.Equal(t, 0, gate.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, gate.Acquire(ctx), "permit leaked")
	gate.Release()
}

func TestGate_AcquireHonoursContext(t *testing.T) {
	gate := NewGate(1)
	require.NoError(t, gate.Acquire(context.Background()))
	defer gate.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := gate.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, gate.InFlight())
}
