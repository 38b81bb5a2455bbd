package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"match-sync/internal/api"
	"match-sync/internal/config"
	"match-sync/internal/domain"
	"match-sync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, store *testStore, cfg *config.Config, sources ...api.Source) *SyncOrchestrator {
	t.Helper()
	ingestor := NewMatchIngestor(store.matches, &recordingEnqueuer{}, store.repairer, zerolog.Nop())
	gateway := api.NewGateway(zerolog.Nop(), sources...)
	return NewSyncOrchestrator(gateway, ingestor, store.statuses, cfg, zerolog.Nop())
}

func seedWatermark(t *testing.T, store *testStore, accountID, watermark int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.statuses.StartSync(ctx, accountID, "seed"))
	require.NoError(t, store.statuses.CompleteSync(ctx, repository.SyncCompletion{
		AccountID: accountID,
		Watermark: watermark,
		Result:    domain.SyncResultSucceeded,
	}))
}

func waitResult(t *testing.T, h *SyncHandle) SyncResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not finish")
		return SyncResult{}
	}
}

func TestSynchronizeStopsAtWatermark(t *testing.T) {
	store := newTestStore(t)
	seedWatermark(t, store, 7, 100)

	src := &scriptedSource{name: "primary", pages: []page{{matches: matchIDs(105, 103, 100, 98)}}}
	o := newTestOrchestrator(t, store, testConfig(), src)

	result := waitResult(t, o.Synchronize(7, false))

	assert.Equal(t, domain.SyncResultSucceeded, result.Kind)
	assert.Equal(t, "primary", result.Source)
	assert.Equal(t, 2, result.Retrieved)
	assert.Equal(t, int64(105), result.Watermark)
	assert.Equal(t, 1, src.callCount())

	status, err := store.statuses.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(105), status.LastMatchID)
	assert.False(t, status.SyncInProgress)
	assert.Equal(t, domain.SyncResultSucceeded, status.LastSyncResult)

	_, err = store.matches.GetMatch(context.Background(), 100)
	assert.ErrorIs(t, err, repository.ErrMatchNotFound)
}

func TestSynchronizeStopsAtWatermarkAcrossPages(t *testing.T) {
	store := newTestStore(t)
	seedWatermark(t, store, 7, 100)

	src := &scriptedSource{name: "primary", pages: []page{
		{matches: matchIDs(105, 104, 103)},
		{matches: matchIDs(102, 101, 100, 99)},
	}}
	o := newTestOrchestrator(t, store, testConfig(), src)

	result := waitResult(t, o.Synchronize(7, false))

	assert.Equal(t, domain.SyncResultSucceeded, result.Kind)
	assert.Equal(t, 5, result.Retrieved)
	assert.Equal(t, int64(105), result.Watermark)
	assert.Equal(t, 2, src.callCount())
	src.mu.Lock()
	assert.Equal(t, []int64{0, 103}, src.befores)
	src.mu.Unlock()

	ctx := context.Background()
	for _, id := range []int64{105, 104, 103, 102, 101} {
		_, err := store.matches.GetMatch(ctx, id)
		assert.NoError(t, err, "match %d", id)
	}
	for _, id := range []int64{100, 99} {
		_, err := store.matches.GetMatch(ctx, id)
		assert.ErrorIs(t, err, repository.ErrMatchNotFound, "match %d", id)
	}
}

func TestSynchronizeSharesInFlightHandle(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	src := &scriptedSource{name: "primary", block: release, pages: []page{{matches: matchIDs(5, 4)}}}
	o := newTestOrchestrator(t, store, testConfig(), src)

	first := o.Synchronize(7, false)
	second := o.Synchronize(7, false)
	assert.Same(t, first, second)

	inflight, ok := o.InFlight(7)
	assert.True(t, ok)
	assert.Same(t, first, inflight)

	close(release)
	result := waitResult(t, first)
	assert.Equal(t, domain.SyncResultSucceeded, result.Kind)
	assert.Equal(t, 2, result.Retrieved)
	// one walk: the page plus the terminating empty page
	assert.Equal(t, 2, src.callCount())

	_, ok = o.InFlight(7)
	assert.False(t, ok)
}

func TestSynchronizeFallsBackToNextSource(t *testing.T) {
	store := newTestStore(t)
	primary := &scriptedSource{name: "primary", pages: []page{{err: errors.New("unavailable")}}}
	secondary := &scriptedSource{name: "secondary", pages: []page{
		{matches: matchIDs(10, 9)},
		{matches: matchIDs(8, 7)},
	}}
	o := newTestOrchestrator(t, store, testConfig(), primary, secondary)

	result, err := o.Synchronize(7, false).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SyncResultSucceeded, result.Kind)
	assert.Equal(t, "secondary", result.Source)
	assert.Equal(t, 4, result.Retrieved)
	assert.Equal(t, 4, result.RowsWritten)
	assert.Equal(t, int64(10), result.Watermark)
	assert.Equal(t, []int64{0, 9, 7}, secondary.befores)
}

func TestSynchronizeKeepsPagesOfFailingSources(t *testing.T) {
	store := newTestStore(t)
	primary := &scriptedSource{name: "primary", pages: []page{
		{matches: matchIDs(20, 19)},
		{err: errors.New("rate limited")},
	}}
	secondary := &scriptedSource{name: "secondary", pages: []page{{err: errors.New("unavailable")}}}
	o := newTestOrchestrator(t, store, testConfig(), primary, secondary)

	h := o.Synchronize(7, false)
	result, err := h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SyncResultPartial, result.Kind)
	assert.Error(t, result.Err)
	assert.Equal(t, 2, result.Retrieved)
	assert.Equal(t, int64(20), result.Watermark)

	status, err := store.statuses.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(20), status.LastMatchID)
	assert.Equal(t, domain.SyncResultPartial, status.LastSyncResult)
	assert.NotEmpty(t, status.LastError)
}

func TestSynchronizeAllSourcesFail(t *testing.T) {
	store := newTestStore(t)
	seedWatermark(t, store, 7, 50)

	primary := &scriptedSource{name: "primary", pages: []page{{err: errors.New("down")}}}
	secondary := &scriptedSource{name: "secondary", pages: []page{{err: errors.New("down")}}}
	o := newTestOrchestrator(t, store, testConfig(), primary, secondary)

	result, err := o.Synchronize(7, false).Wait(context.Background())
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
	assert.Equal(t, domain.SyncResultFailed, result.Kind)
	assert.Equal(t, 0, result.Retrieved)

	status, err := store.statuses.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(50), status.LastMatchID)
	assert.Equal(t, domain.SyncResultFailed, status.LastSyncResult)
	assert.False(t, status.SyncInProgress)
}

func TestFullSyncNeverLowersWatermark(t *testing.T) {
	store := newTestStore(t)
	seedWatermark(t, store, 7, 100)

	src := &scriptedSource{name: "primary", pages: []page{{matches: matchIDs(30, 20)}}}
	o := newTestOrchestrator(t, store, testConfig(), src)

	result, err := o.Synchronize(7, true).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Retrieved)
	assert.Equal(t, int64(100), result.Watermark)

	status, err := store.statuses.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(100), status.LastMatchID)
	assert.True(t, status.FullSyncCompleted)
	assert.Equal(t, 2, status.MatchesCount)
}

func TestSynchronizeStopsAtMaxMatches(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.Sync.MaxMatches = 3

	src := &scriptedSource{name: "primary", pages: []page{
		{matches: matchIDs(9, 8)},
		{matches: matchIDs(7, 6)},
	}}
	o := newTestOrchestrator(t, store, cfg, src)

	result, err := o.Synchronize(7, true).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Retrieved)

	status, err := store.statuses.Get(context.Background(), 7)
	require.NoError(t, err)
	// a capped walk has not seen the whole history
	assert.False(t, status.FullSyncCompleted)
}

func TestShutdownCancelsInFlightSyncs(t *testing.T) {
	store := newTestStore(t)
	src := &scriptedSource{name: "primary", block: make(chan struct{})}
	o := newTestOrchestrator(t, store, testConfig(), src)

	h := o.Synchronize(7, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	result := waitResult(t, h)
	assert.Equal(t, domain.SyncResultCancelled, result.Kind)
	assert.ErrorIs(t, result.Err, ErrSyncCancelled)

	status, err := store.statuses.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, status.SyncInProgress)

	_, err = o.Synchronize(8, false).Wait(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRecoverClearsStaleInProgressFlags(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.statuses.StartSync(ctx, 7, "crashed"))

	o := newTestOrchestrator(t, store, testConfig())
	require.NoError(t, o.Recover(ctx))

	status, err := store.statuses.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, status.SyncInProgress)
}
