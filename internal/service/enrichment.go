package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"match-sync/internal/config"
	"match-sync/internal/constants"
	"match-sync/internal/domain"
	"match-sync/internal/metrics"
	"match-sync/internal/repository"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DetailFetcher returns the full record of a match.
type DetailFetcher interface {
	FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error)
}

type EnrichmentStatistics struct {
	QueueSize      int   `json:"queue_size"`
	QueueCapacity  int   `json:"queue_capacity"`
	InFlight       int   `json:"in_flight"`
	PendingRetries int   `json:"pending_retries"`
	Processed      int64 `json:"processed"`
	Succeeded      int64 `json:"succeeded"`
	Failed         int64 `json:"failed"`
	Retries        int64 `json:"retries"`
	Rejected       int64 `json:"rejected"`
	RateUsed       int   `json:"rate_used"`
	RateLimit      int   `json:"rate_limit"`
}

type enrichmentJob struct {
	matchID int64
	attempt int
}

type offerResult int

const (
	offerAccepted offerResult = iota
	offerDuplicate
	offerProcessed
	offerRejected
)

// EnrichmentEngine fetches full match records for matches stored without them. Every id is
// at most in one of queued or processing at a time.
type EnrichmentEngine struct {
	fetcher  DetailFetcher
	matches  *repository.MatchRepository
	repairer Repairer
	cfg      config.EnrichmentConfig
	grace    time.Duration
	policy   RetryPolicy
	window   *RateWindow
	logger   zerolog.Logger

	queue  chan enrichmentJob
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	group  *errgroup.Group

	mu         sync.Mutex
	queued     map[int64]struct{}
	processing map[int64]struct{}
	processed  map[int64]bool
	forced     map[int64]struct{} // forced while processing, rerun once the attempt settles
	retrying   int
	stopping   bool
	started    bool

	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	rejected  atomic.Int64
}

func NewEnrichmentEngine(
	fetcher DetailFetcher,
	matches *repository.MatchRepository,
	repairer Repairer,
	cfg *config.Config,
	logger zerolog.Logger,
) *EnrichmentEngine {
	ctx, cancel := context.WithCancel(context.Background())
	ec := cfg.Enrichment
	if ec.RateWindowPeriod <= 0 {
		ec.RateWindowPeriod = constants.RateWindowPeriod
	}
	if ec.StatisticsInterval <= 0 {
		ec.StatisticsInterval = constants.StatsLogInterval
	}
	if ec.BatchSize <= 0 {
		ec.BatchSize = 1
	}
	return &EnrichmentEngine{
		fetcher:    fetcher,
		matches:    matches,
		repairer:   repairer,
		cfg:        ec,
		grace:      cfg.ShutdownGrace,
		policy:     RetryPolicy{MaxAttempts: ec.MaxAttempts, BaseDelay: ec.RetryBaseDelay},
		window:     NewRateWindow(ec.RequestsPerMinute),
		logger:     logger.With().Str("component", "enrichment").Logger(),
		queue:      make(chan enrichmentJob, ec.QueueCapacity),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		group:      new(errgroup.Group),
		queued:     make(map[int64]struct{}),
		processing: make(map[int64]struct{}),
		processed:  make(map[int64]bool),
		forced:     make(map[int64]struct{}),
	}
}

// Start launches the workers and the housekeeping loop.
func (e *EnrichmentEngine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		id := i
		e.group.Go(func() error {
			e.worker(id)
			return nil
		})
	}
	e.group.Go(func() error {
		e.housekeeping()
		return nil
	})

	e.logger.Info().
		Int("workers", e.cfg.Workers).
		Int("queue_capacity", e.cfg.QueueCapacity).
		Int("requests_per_minute", e.cfg.RequestsPerMinute).
		Msg("enrichment engine started")
}

// Enqueue offers a match for enrichment. Priority offers wait up to the configured priority
// wait for queue space; others are refused at once when the queue is full.
func (e *EnrichmentEngine) Enqueue(matchID int64, priority bool) bool {
	switch e.offer(matchID, priority) {
	case offerAccepted, offerDuplicate:
		return true
	default:
		return false
	}
}

// ForceEnqueue clears a processed mark and offers the match with priority. A match that is
// being processed is queued again with a fresh attempt budget once its current attempt ends.
func (e *EnrichmentEngine) ForceEnqueue(matchID int64) bool {
	if matchID <= 0 {
		return false
	}
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return false
	}
	if _, ok := e.processing[matchID]; ok {
		e.forced[matchID] = struct{}{}
		e.mu.Unlock()
		return true
	}
	delete(e.processed, matchID)
	e.mu.Unlock()
	return e.Enqueue(matchID, true)
}

func (e *EnrichmentEngine) offer(matchID int64, priority bool) offerResult {
	if matchID <= 0 {
		return offerRejected
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return offerRejected
	}
	if _, ok := e.queued[matchID]; ok {
		e.mu.Unlock()
		return offerDuplicate
	}
	if _, ok := e.processing[matchID]; ok {
		e.mu.Unlock()
		return offerDuplicate
	}
	if _, ok := e.processed[matchID]; ok {
		e.mu.Unlock()
		return offerProcessed
	}
	e.queued[matchID] = struct{}{}
	e.mu.Unlock()

	job := enrichmentJob{matchID: matchID, attempt: 1}
	if !priority {
		select {
		case e.queue <- job:
			metrics.EnrichmentQueueDepth.Set(float64(len(e.queue)))
			return offerAccepted
		default:
			e.release(matchID)
			e.rejected.Add(1)
			metrics.EnrichmentRejectedTotal.Inc()
			return offerRejected
		}
	}

	timer := time.NewTimer(e.cfg.PriorityWait)
	defer timer.Stop()
	select {
	case e.queue <- job:
		metrics.EnrichmentQueueDepth.Set(float64(len(e.queue)))
		return offerAccepted
	case <-timer.C:
	case <-e.ctx.Done():
	}
	e.release(matchID)
	e.rejected.Add(1)
	metrics.EnrichmentRejectedTotal.Inc()
	e.logger.Warn().Int64("match_id", matchID).Msg("priority enqueue timed out, queue full")
	return offerRejected
}

func (e *EnrichmentEngine) release(matchID int64) {
	e.mu.Lock()
	delete(e.queued, matchID)
	e.mu.Unlock()
}

func (e *EnrichmentEngine) worker(id int) {
	logger := e.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.ctx.Done():
			return
		case job := <-e.queue:
			batch := []enrichmentJob{job}
		drain:
			for len(batch) < e.cfg.BatchSize {
				select {
				case j := <-e.queue:
					batch = append(batch, j)
				default:
					break drain
				}
			}
			metrics.EnrichmentQueueDepth.Set(float64(len(e.queue)))

			for i, j := range batch {
				if e.ctx.Err() != nil {
					for _, rest := range batch[i:] {
						e.release(rest.matchID)
					}
					return
				}
				e.process(j, logger)
			}
		}
	}
}

func (e *EnrichmentEngine) process(job enrichmentJob, logger zerolog.Logger) {
	e.mu.Lock()
	delete(e.queued, job.matchID)
	e.processing[job.matchID] = struct{}{}
	e.mu.Unlock()

	err := e.enrich(job.matchID)
	e.complete(job, err, logger)
}

func (e *EnrichmentEngine) enrich(matchID int64) error {
	if err := e.window.Acquire(e.ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(e.ctx, constants.ExternalAPITimeout+constants.DatabaseTimeout)
	defer cancel()

	detail, err := e.fetcher.FetchMatchDetail(ctx, matchID)
	if err != nil {
		return err
	}
	if detail == nil {
		return fmt.Errorf("match %d: empty detail record", matchID)
	}
	detail.MatchID = matchID

	err = e.matches.ApplyEnrichment(ctx, detail)
	if errors.Is(err, repository.ErrSchemaMismatch) && e.repairer != nil {
		e.logger.Warn().Err(err).Int64("match_id", matchID).Msg("schema mismatch while enriching, repairing")
		if repairErr := e.repairer.Repair(e.ctx); repairErr != nil {
			metrics.SchemaRepairsTotal.WithLabelValues("failed").Inc()
			e.logger.Error().Err(repairErr).Msg("schema repair failed")
		} else {
			metrics.SchemaRepairsTotal.WithLabelValues("succeeded").Inc()
		}
	}
	return err
}

func (e *EnrichmentEngine) complete(job enrichmentJob, err error, logger zerolog.Logger) {
	e.mu.Lock()
	delete(e.processing, job.matchID)
	_, forced := e.forced[job.matchID]
	delete(e.forced, job.matchID)

	switch {
	case err == nil:
		e.processed[job.matchID] = true
		e.succeeded.Add(1)
		metrics.EnrichmentResultsTotal.WithLabelValues("succeeded").Inc()
		logger.Debug().Int64("match_id", job.matchID).Int("attempt", job.attempt).Msg("match enriched")
		e.rerunForced(job.matchID, forced, logger)
		return

	case e.ctx.Err() != nil:
		e.mu.Unlock()
		return

	case errors.Is(err, repository.ErrMatchNotFound) || e.policy.Exhausted(job.attempt):
		e.processed[job.matchID] = false
		e.failed.Add(1)
		metrics.EnrichmentResultsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Int64("match_id", job.matchID).Int("attempt", job.attempt).Msg("enrichment failed permanently")
		e.rerunForced(job.matchID, forced, logger)
		return

	case e.stopping:
		e.mu.Unlock()
		return
	}

	// the id stays reserved while the retry timer runs
	e.queued[job.matchID] = struct{}{}
	e.retrying++
	e.mu.Unlock()

	e.retries.Add(1)
	metrics.EnrichmentResultsTotal.WithLabelValues("retried").Inc()
	delay := e.policy.Delay(job.attempt)
	logger.Info().Err(err).
		Int64("match_id", job.matchID).
		Int("attempt", job.attempt).
		Dur("retry_in", delay).
		Msg("enrichment attempt failed, scheduling retry")

	next := enrichmentJob{matchID: job.matchID, attempt: job.attempt + 1}
	time.AfterFunc(delay, func() { e.requeue(next) })
}

// rerunForced is called with e.mu held and releases it. A forced match is reserved again and
// handed to the queue through the retry path with its attempt count reset.
func (e *EnrichmentEngine) rerunForced(matchID int64, forced bool, logger zerolog.Logger) {
	if !forced || e.stopping {
		e.mu.Unlock()
		return
	}
	delete(e.processed, matchID)
	e.queued[matchID] = struct{}{}
	e.retrying++
	e.mu.Unlock()

	logger.Info().Int64("match_id", matchID).Msg("rerunning forced enrichment")
	go e.requeue(enrichmentJob{matchID: matchID, attempt: 1})
}

func (e *EnrichmentEngine) requeue(job enrichmentJob) {
	defer func() {
		e.mu.Lock()
		e.retrying--
		e.mu.Unlock()
	}()
	select {
	case e.queue <- job:
	case <-e.stopCh:
		e.release(job.matchID)
	case <-e.ctx.Done():
		e.release(job.matchID)
	}
}

func (e *EnrichmentEngine) housekeeping() {
	resetTicker := time.NewTicker(e.cfg.RateWindowPeriod)
	defer resetTicker.Stop()
	statsTicker := time.NewTicker(e.cfg.StatisticsInterval)
	defer statsTicker.Stop()

	scanTimer := time.NewTimer(e.cfg.ScanInitialDelay)
	defer scanTimer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-resetTicker.C:
			e.window.Reset()
		case <-scanTimer.C:
			e.Scan(e.ctx)
			scanTimer.Reset(e.cfg.ScanInterval)
		case <-statsTicker.C:
			e.logStatistics()
		}
	}
}

// Scan enqueues stored matches still missing details while the queue is below half capacity.
func (e *EnrichmentEngine) Scan(ctx context.Context) int {
	capacity := cap(e.queue)
	size := len(e.queue)
	if 2*size >= capacity {
		return 0
	}

	ids, err := e.matches.MatchesMissingDetails(ctx, capacity-size)
	if err != nil {
		if errors.Is(err, repository.ErrSchemaMismatch) && e.repairer != nil {
			if repairErr := e.repairer.Repair(ctx); repairErr != nil {
				e.logger.Error().Err(repairErr).Msg("schema repair failed")
			}
		}
		e.logger.Error().Err(err).Msg("failed to scan for matches missing details")
		return 0
	}

	queued := 0
	for _, id := range ids {
		result := e.offer(id, false)
		if result == offerRejected {
			break
		}
		if result == offerAccepted {
			queued++
		}
	}

	if queued > 0 {
		e.logger.Info().Int("queued", queued).Int("candidates", len(ids)).Msg("scan queued matches missing details")
	}
	return queued
}

func (e *EnrichmentEngine) Statistics() EnrichmentStatistics {
	e.mu.Lock()
	inFlight := len(e.processing)
	retrying := e.retrying
	e.mu.Unlock()

	used, limit := e.window.Usage()
	succeeded := e.succeeded.Load()
	failed := e.failed.Load()
	return EnrichmentStatistics{
		QueueSize:      len(e.queue),
		QueueCapacity:  cap(e.queue),
		InFlight:       inFlight,
		PendingRetries: retrying,
		Processed:      succeeded + failed,
		Succeeded:      succeeded,
		Failed:         failed,
		Retries:        e.retries.Load(),
		Rejected:       e.rejected.Load(),
		RateUsed:       used,
		RateLimit:      limit,
	}
}

func (e *EnrichmentEngine) logStatistics() {
	s := e.Statistics()
	metrics.EnrichmentQueueDepth.Set(float64(s.QueueSize))
	e.logger.Info().
		Int("queue_size", s.QueueSize).
		Int("queue_capacity", s.QueueCapacity).
		Int("in_flight", s.InFlight).
		Int("pending_retries", s.PendingRetries).
		Int64("processed", s.Processed).
		Int64("succeeded", s.Succeeded).
		Int64("failed", s.Failed).
		Int64("retries", s.Retries).
		Int("rate_used", s.RateUsed).
		Int("rate_limit", s.RateLimit).
		Msg("enrichment statistics")
}

// Stop refuses new work, lets running jobs finish within the grace period, then cancels.
func (e *EnrichmentEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	e.mu.Unlock()
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case <-done:
		e.cancel()
		e.logStatistics()
		return nil
	case <-grace.C:
		e.logger.Warn().Msg("enrichment grace period elapsed, cancelling workers")
	case <-ctx.Done():
	}

	e.cancel()
	select {
	case <-done:
		e.logStatistics()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
