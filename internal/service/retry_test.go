package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(0))

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestRateWindowBlocksUntilReset(t *testing.T) {
	w := NewRateWindow(2)
	ctx := context.Background()

	require.NoError(t, w.Acquire(ctx))
	require.NoError(t, w.Acquire(ctx))
	used, limit := w.Usage()
	assert.Equal(t, 2, used)
	assert.Equal(t, 2, limit)

	done := make(chan error, 1)
	go func() { done <- w.Acquire(ctx) }()

	select {
	case <-done:
		t.Fatal("acquire returned before the window was reset")
	case <-time.After(30 * time.Millisecond):
	}

	w.Reset()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire still blocked after reset")
	}

	used, _ = w.Usage()
	assert.Equal(t, 1, used)
}

func TestRateWindowHonoursCancellation(t *testing.T) {
	w := NewRateWindow(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, w.Acquire(ctx), context.Canceled)
}
