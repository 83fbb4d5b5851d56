package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesSameKey(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: 100 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "bsp.gov.ph"))
	require.Less(t, time.Since(start), 20*time.Millisecond, "first acquire should not block")

	stamps := []time.Time{time.Now()}
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "bsp.gov.ph"))
		stamps = append(stamps, time.Now())
	}
	for i := 1; i < len(stamps); i++ {
		require.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 90*time.Millisecond)
	}
}

func TestLimiterDifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: time.Second})
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "a.example"))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "b.example"))
	require.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestLimiterConcurrentKeys(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: 500 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	start := time.Now()
	for _, key := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if err := l.Acquire(ctx, k); err != nil {
				t.Error(err)
			}
		}(key)
	}
	wg.Wait()
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: time.Minute})
	require.NoError(t, l.Acquire(context.Background(), "slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx, "slow.example"))
}

func TestDefaultInterval(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.NotNil(t, l.limiterFor("x"))
	require.InDelta(t, 1.0, float64(l.every), 1e-9)
}

func TestKeyFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, "www.bsp.gov.ph", KeyFor("https://WWW.BSP.gov.ph:443/x"))
	require.Equal(t, "unknown", KeyFor("::bad"))
}
