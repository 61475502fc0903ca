package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireBoundsConcurrency(t *testing.T) {
	l := New(2, 0)
	defer l.Close()

	release1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := l.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), l.Stats().InFlight)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.Error(t, err, "third acquire should block until a slot frees and then time out")

	release1()
	release2()
	assert.Equal(t, int64(0), l.Stats().InFlight)
}

func TestAcquireTracksTotal(t *testing.T) {
	l := New(0, 0)
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			require.NoError(t, err)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), l.Stats().Total)
	assert.Equal(t, int64(0), l.Stats().InFlight)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New(1, 0)
	defer l.Close()

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateTokenBucketLimitsBurst(t *testing.T) {
	l := New(0, 2)
	defer l.Close()

	release1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release1()
	release2()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.Error(t, err, "third token within the same second should not be available yet")
}
