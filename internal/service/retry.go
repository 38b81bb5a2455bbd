package service

import (
	"context"
	"sync"
	"time"
)

// RetryPolicy bounds enrichment attempts and spaces them linearly.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Delay is the wait before the attempt that follows the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.BaseDelay
}

func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// RateWindow admits at most limit acquisitions between two resets. Blocked callers are
// released together when Reset closes the current window channel.
type RateWindow struct {
	mu    sync.Mutex
	limit int
	used  int
	reset chan struct{}
}

func NewRateWindow(limit int) *RateWindow {
	return &RateWindow{limit: limit, reset: make(chan struct{})}
}

func (w *RateWindow) Acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.used < w.limit {
			w.used++
			w.mu.Unlock()
			return nil
		}
		next := w.reset
		w.mu.Unlock()

		select {
		case <-next:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *RateWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.used = 0
	close(w.reset)
	w.reset = make(chan struct{})
}

func (w *RateWindow) Usage() (used, limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used, w.limit
}
