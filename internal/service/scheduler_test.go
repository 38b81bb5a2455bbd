package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"match-sync/internal/config"
	"match-sync/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, store *testStore, cfg *config.Config, o *SyncOrchestrator) *SyncScheduler {
	t.Helper()
	s := NewSyncScheduler(store.statuses, o, cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = o.Shutdown(ctx)
	})
	return s
}

func TestSchedulerInterval(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	s := newTestScheduler(t, store, cfg, newTestOrchestrator(t, store, cfg))

	d, ok := s.Interval(domain.FrequencyHourly)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, d)

	d, ok = s.Interval(domain.FrequencyWeekly)
	assert.True(t, ok)
	assert.Equal(t, 7*24*time.Hour, d)

	_, ok = s.Interval(domain.FrequencyNever)
	assert.False(t, ok)
}

func TestTickSyncsDueAccountsAndSchedulesNextRun(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	ctx := context.Background()

	src := &scriptedSource{name: "primary", pages: []page{{matches: matchIDs(5)}}}
	o := newTestOrchestrator(t, store, cfg, src)
	s := newTestScheduler(t, store, cfg, o)

	require.NoError(t, store.statuses.SetSyncFrequency(ctx, 1, domain.FrequencyHourly, nil))
	require.NoError(t, store.statuses.SetSyncFrequency(ctx, 2, domain.FrequencyNever, nil))
	future := time.Now().Add(time.Hour)
	require.NoError(t, store.statuses.SetSyncFrequency(ctx, 3, domain.FrequencyDaily, &future))

	started, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	before := time.Now()
	require.Eventually(t, func() bool {
		status, err := store.statuses.Get(ctx, 1)
		return err == nil && status.NextSyncAt != nil && status.NextSyncAt.After(before.Add(50*time.Minute))
	}, 5*time.Second, 10*time.Millisecond)

	status, err := store.statuses.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncResultSucceeded, status.LastSyncResult)
	assert.Equal(t, int64(5), status.LastMatchID)

	// nothing is due any more
	started, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)
}

func TestTickRetriesFailedSyncsAfterRetryDelay(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.Scheduler.RetryDelay = 3 * time.Hour
	ctx := context.Background()

	src := &scriptedSource{name: "primary", pages: []page{{err: errors.New("down")}}}
	o := newTestOrchestrator(t, store, cfg, src)
	s := newTestScheduler(t, store, cfg, o)

	require.NoError(t, store.statuses.SetSyncFrequency(ctx, 1, domain.FrequencyHourly, nil))

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	before := time.Now()
	require.Eventually(t, func() bool {
		status, err := store.statuses.Get(ctx, 1)
		return err == nil && status.NextSyncAt != nil && status.NextSyncAt.After(before.Add(2*time.Hour))
	}, 5*time.Second, 10*time.Millisecond)

	status, err := store.statuses.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncResultFailed, status.LastSyncResult)
}

func TestSetFrequency(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	s := newTestScheduler(t, store, cfg, newTestOrchestrator(t, store, cfg))
	ctx := context.Background()

	next, err := s.SetFrequency(ctx, 7, domain.FrequencyWeekly)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), *next, time.Minute)

	status, err := store.statuses.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.FrequencyWeekly, status.SyncFrequency)
	require.NotNil(t, status.NextSyncAt)

	next, err = s.SetFrequency(ctx, 7, domain.FrequencyNever)
	require.NoError(t, err)
	assert.Nil(t, next)

	status, err = store.statuses.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.FrequencyNever, status.SyncFrequency)
	assert.Nil(t, status.NextSyncAt)

	due, err := store.statuses.ListDueAccounts(ctx, time.Now().Add(365*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
