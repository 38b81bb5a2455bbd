package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"match-sync/internal/api"
	"match-sync/internal/config"
	"match-sync/internal/constants"
	"match-sync/internal/domain"
	"match-sync/internal/metrics"
	"match-sync/internal/repository"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	ErrAllSourcesFailed = errors.New("all sources failed")
	ErrSyncCancelled    = errors.New("sync cancelled")
	ErrShuttingDown     = errors.New("shutting down")
)

type SyncResult struct {
	AccountID   int64
	RunID       string
	Kind        domain.SyncResultKind
	Source      string // source that completed the walk, empty unless succeeded
	Retrieved   int
	RowsWritten int
	Watermark   int64
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// SyncHandle is shared by every caller that asked for the same in-flight sync.
type SyncHandle struct {
	AccountID int64
	RunID     string
	FullSync  bool

	done   chan struct{}
	result SyncResult
}

func newSyncHandle(accountID int64, runID string, full bool) *SyncHandle {
	return &SyncHandle{AccountID: accountID, RunID: runID, FullSync: full, done: make(chan struct{})}
}

// Done is closed once the result is available.
func (h *SyncHandle) Done() <-chan struct{} {
	return h.done
}

// Result must only be read after Done is closed.
func (h *SyncHandle) Result() SyncResult {
	<-h.done
	return h.result
}

// Wait blocks until the sync resolves. A partial result is not an error; its source failure
// stays available in SyncResult.Err.
func (h *SyncHandle) Wait(ctx context.Context) (SyncResult, error) {
	select {
	case <-h.done:
		if h.result.Kind == domain.SyncResultPartial {
			return h.result, nil
		}
		return h.result, h.result.Err
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

func (h *SyncHandle) resolve(r SyncResult) {
	h.result = r
	close(h.done)
}

// SyncOrchestrator retrieves the recent history of accounts through the source chain.
type SyncOrchestrator struct {
	gateway  *api.Gateway
	ingestor *MatchIngestor
	statuses *repository.SyncStatusRepository
	cfg      config.SyncConfig
	grace    time.Duration
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]*SyncHandle
	closing  bool
}

func NewSyncOrchestrator(
	gateway *api.Gateway,
	ingestor *MatchIngestor,
	statuses *repository.SyncStatusRepository,
	cfg *config.Config,
	logger zerolog.Logger,
) *SyncOrchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	maxConcurrent := cfg.Sync.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &SyncOrchestrator{
		gateway:  gateway,
		ingestor: ingestor,
		statuses: statuses,
		cfg:      cfg.Sync,
		grace:    cfg.ShutdownGrace,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[int64]*SyncHandle),
	}
}

// Recover clears in-progress flags left by a previous process.
func (o *SyncOrchestrator) Recover(ctx context.Context) error {
	_, err := o.statuses.ResetInFlight(ctx)
	return err
}

// InFlight returns the running sync of an account, if any.
func (o *SyncOrchestrator) InFlight(accountID int64) (*SyncHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.inflight[accountID]
	return h, ok
}

// Synchronize starts a sync of the account, or returns the one already running.
func (o *SyncOrchestrator) Synchronize(accountID int64, fullSync bool) *SyncHandle {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		h := newSyncHandle(accountID, "", fullSync)
		h.resolve(SyncResult{AccountID: accountID, Kind: domain.SyncResultCancelled, Err: ErrShuttingDown})
		return h
	}
	if h, ok := o.inflight[accountID]; ok {
		o.mu.Unlock()
		o.logger.Debug().Int64("account_id", accountID).Str("run_id", h.RunID).Msg("sync already in flight, sharing handle")
		return h
	}

	runID, err := gonanoid.New()
	if err != nil {
		o.mu.Unlock()
		h := newSyncHandle(accountID, "", fullSync)
		h.resolve(SyncResult{AccountID: accountID, Kind: domain.SyncResultFailed, Err: fmt.Errorf("failed to generate run id: %w", err)})
		return h
	}

	h := newSyncHandle(accountID, runID, fullSync)
	o.inflight[accountID] = h
	o.wg.Add(1)
	o.mu.Unlock()

	started := time.Now()
	ctx, cancel := context.WithTimeout(o.ctx, constants.DatabaseTimeout)
	err = o.statuses.StartSync(ctx, accountID, runID)
	cancel()
	if err != nil {
		o.logger.Error().Err(err).Int64("account_id", accountID).Msg("failed to mark sync in progress")
		o.finish(h, SyncResult{
			AccountID:  accountID,
			RunID:      runID,
			Kind:       domain.SyncResultFailed,
			Err:        err,
			StartedAt:  started,
			FinishedAt: time.Now(),
		})
		return h
	}

	go o.run(h, started)
	return h
}

func (o *SyncOrchestrator) finish(h *SyncHandle, r SyncResult) {
	o.mu.Lock()
	delete(o.inflight, h.AccountID)
	o.mu.Unlock()
	h.resolve(r)
	o.wg.Done()
}

func (o *SyncOrchestrator) run(h *SyncHandle, started time.Time) {
	ctx := o.ctx
	logger := o.logger.With().Int64("account_id", h.AccountID).Str("run_id", h.RunID).Logger()

	result := SyncResult{AccountID: h.AccountID, RunID: h.RunID, StartedAt: started}
	watermark := int64(0)

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("sync panicked")
			result.Kind = domain.SyncResultFailed
			result.Err = fmt.Errorf("sync panicked: %v", p)
		}
		result.FinishedAt = time.Now()
		o.record(h, &result, watermark, logger)
		o.finish(h, result)
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		result.Kind = domain.SyncResultCancelled
		result.Err = ErrSyncCancelled
		return
	}
	defer o.sem.Release(1)
	metrics.SyncsInFlight.Inc()
	defer metrics.SyncsInFlight.Dec()

	status, err := o.statuses.Get(ctx, h.AccountID)
	if err != nil {
		result.Kind = domain.SyncResultFailed
		result.Err = err
		return
	}
	if status != nil {
		watermark = status.LastMatchID
	}

	floor := watermark
	if h.FullSync {
		floor = 0
	}
	logger.Info().Int64("watermark", watermark).Bool("full_sync", h.FullSync).Msg("sync started")

	retrieved, source, walkErr := o.retrieve(ctx, h.AccountID, floor, logger)
	result.Retrieved = len(retrieved)
	result.Watermark = watermark

	if ctx.Err() != nil {
		result.Kind = domain.SyncResultCancelled
		result.Err = ErrSyncCancelled
		return
	}

	if len(retrieved) > 0 {
		ingest := o.ingestor.Ingest(ctx, h.AccountID, retrieved)
		result.RowsWritten = ingest.RowsWritten
		for _, m := range retrieved {
			if m.MatchID > result.Watermark {
				result.Watermark = m.MatchID
			}
		}
	}

	switch {
	case walkErr == nil:
		result.Kind = domain.SyncResultSucceeded
		result.Source = source
	case len(retrieved) > 0:
		result.Kind = domain.SyncResultPartial
		result.Err = walkErr
	default:
		result.Kind = domain.SyncResultFailed
		result.Err = fmt.Errorf("%w: %w", ErrAllSourcesFailed, walkErr)
	}
}

// record writes the outcome with a detached context so the in-progress flag is always cleared.
func (o *SyncOrchestrator) record(h *SyncHandle, result *SyncResult, previous int64, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), constants.DatabaseTimeout)
	defer cancel()

	if result.Watermark < previous {
		result.Watermark = previous
	}
	fullDone := h.FullSync &&
		result.Kind == domain.SyncResultSucceeded &&
		result.Retrieved < o.cfg.MaxMatches

	err := o.statuses.CompleteSync(ctx, repository.SyncCompletion{
		AccountID:         h.AccountID,
		Watermark:         result.Watermark,
		FullSyncCompleted: fullDone,
		Result:            result.Kind,
		Err:               result.Err,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record sync result")
	}

	metrics.RecordSyncRun(string(result.Kind), result.FinishedAt.Sub(result.StartedAt), result.Retrieved)

	event := logger.Info()
	if result.Kind == domain.SyncResultFailed {
		event = logger.Warn().Err(result.Err)
	}
	event.
		Str("result", string(result.Kind)).
		Str("source", result.Source).
		Int("retrieved", result.Retrieved).
		Int("rows_written", result.RowsWritten).
		Int64("watermark", result.Watermark).
		Dur("duration", result.FinishedAt.Sub(result.StartedAt)).
		Msg("sync finished")
}

// retrieve walks the sources in order until one completes. Matches from failing sources are kept.
func (o *SyncOrchestrator) retrieve(ctx context.Context, accountID, floor int64, logger zerolog.Logger) ([]domain.RawMatch, string, error) {
	seen := make(map[int64]struct{})
	var out []domain.RawMatch
	var errs []error

	for _, src := range o.gateway.Sources() {
		err := o.walkSource(ctx, src, accountID, floor, seen, &out)
		if err == nil {
			return out, src.Name(), nil
		}
		if ctx.Err() != nil {
			return out, "", ctx.Err()
		}
		logger.Warn().Err(err).Str("source", src.Name()).Int("retrieved", len(out)).Msg("source failed, falling back")
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return out, "", errors.New("no sources configured")
	}
	return out, "", errors.Join(errs...)
}

func (o *SyncOrchestrator) walkSource(ctx context.Context, src api.Source, accountID, floor int64, seen map[int64]struct{}, out *[]domain.RawMatch) error {
	before := int64(0)

	for page := 0; ; page++ {
		if page > 0 {
			timer := time.NewTimer(o.cfg.PageDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		batch, err := src.FetchRecentMatches(ctx, accountID, before, o.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		oldest := int64(0)
		for _, m := range batch {
			if floor > 0 && m.MatchID <= floor {
				return nil
			}
			if _, dup := seen[m.MatchID]; !dup {
				seen[m.MatchID] = struct{}{}
				*out = append(*out, m)
			}
			if len(*out) >= o.cfg.MaxMatches {
				return nil
			}
			if m.MatchID > 0 && (oldest == 0 || m.MatchID < oldest) {
				oldest = m.MatchID
			}
		}

		// a page that does not move the cursor back would repeat forever
		if oldest == 0 || (before > 0 && oldest >= before) {
			return nil
		}
		before = oldest
	}
}

// Shutdown refuses new syncs, gives running ones the grace period, then cancels them.
func (o *SyncOrchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(o.grace)
	defer grace.Stop()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-grace.C:
		o.logger.Warn().Msg("sync grace period elapsed, cancelling in-flight syncs")
	case <-ctx.Done():
	}

	o.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
