package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"match-sync/internal/config"
	"match-sync/internal/constants"
	"match-sync/internal/domain"
	"match-sync/internal/metrics"
	"match-sync/internal/repository"

	"github.com/rs/zerolog"
)

// SyncScheduler starts incremental syncs for accounts whose next sync time has passed.
type SyncScheduler struct {
	statuses     *repository.SyncStatusRepository
	orchestrator *SyncOrchestrator
	cfg          config.SchedulerConfig
	logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSyncScheduler(statuses *repository.SyncStatusRepository, orchestrator *SyncOrchestrator, cfg *config.Config, logger zerolog.Logger) *SyncScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncScheduler{
		statuses:     statuses,
		orchestrator: orchestrator,
		cfg:          cfg.Scheduler,
		logger:       logger.With().Str("component", "scheduler").Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Interval returns the spacing of a frequency tier. Never has no interval.
func (s *SyncScheduler) Interval(frequency domain.SyncFrequency) (time.Duration, bool) {
	f := s.cfg.Frequencies
	switch frequency {
	case domain.FrequencyRealtime:
		return f.Realtime, true
	case domain.FrequencyHourly:
		return f.Hourly, true
	case domain.FrequencyDaily:
		return f.Daily, true
	case domain.FrequencyWeekly:
		return f.Weekly, true
	case domain.FrequencyMonthly:
		return f.Monthly, true
	default:
		return 0, false
	}
}

func (s *SyncScheduler) Start() {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.loop()
		s.logger.Info().
			Dur("interval", s.cfg.Interval).
			Dur("initial_delay", s.cfg.InitialDelay).
			Int("max_per_tick", s.cfg.MaxPerTick).
			Msg("sync scheduler started")
	})
}

func (s *SyncScheduler) loop() {
	defer s.wg.Done()

	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()
	select {
	case <-initial.C:
	case <-s.ctx.Done():
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}

// Tick starts a sync for every due account and returns how many were started.
func (s *SyncScheduler) Tick(ctx context.Context) (int, error) {
	metrics.SchedulerTicksTotal.Inc()

	due, err := s.statuses.ListDueAccounts(ctx, time.Now(), s.cfg.MaxPerTick)
	if err != nil {
		return 0, fmt.Errorf("failed to list due accounts: %w", err)
	}
	if len(due) == 0 {
		s.logger.Debug().Msg("no accounts due for sync")
		return 0, nil
	}

	for _, status := range due {
		h := s.orchestrator.Synchronize(status.AccountID, false)
		metrics.SchedulerSyncsStarted.Inc()

		s.wg.Add(1)
		go s.await(h, status.SyncFrequency)
	}

	s.logger.Info().Int("accounts", len(due)).Msg("scheduled syncs started")
	return len(due), nil
}

func (s *SyncScheduler) await(h *SyncHandle, frequency domain.SyncFrequency) {
	defer s.wg.Done()

	select {
	case <-h.Done():
	case <-s.ctx.Done():
		return
	}

	result := h.Result()
	now := time.Now()
	var next time.Time

	switch result.Kind {
	case domain.SyncResultSucceeded, domain.SyncResultPartial:
		interval, ok := s.Interval(frequency)
		if !ok {
			return
		}
		next = now.Add(interval)
	case domain.SyncResultFailed:
		next = now.Add(s.cfg.RetryDelay)
	default:
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, constants.DatabaseTimeout)
	defer cancel()
	if err := s.statuses.ScheduleNextSync(ctx, h.AccountID, &next); err != nil {
		s.logger.Error().Err(err).Int64("account_id", h.AccountID).Msg("failed to schedule next sync")
		return
	}
	s.logger.Debug().
		Int64("account_id", h.AccountID).
		Str("result", string(result.Kind)).
		Time("next_sync_at", next).
		Msg("next sync scheduled")
}

// SetFrequency stores the tier of an account and recomputes its next sync time.
func (s *SyncScheduler) SetFrequency(ctx context.Context, accountID int64, frequency domain.SyncFrequency) (*time.Time, error) {
	var next *time.Time
	if interval, ok := s.Interval(frequency); ok {
		t := time.Now().Add(interval)
		next = &t
	}
	if err := s.statuses.SetSyncFrequency(ctx, accountID, frequency, next); err != nil {
		return nil, err
	}
	s.logger.Info().
		Int64("account_id", accountID).
		Str("frequency", string(frequency)).
		Msg("sync frequency updated")
	return next, nil
}

// Stop ends the tick loop and abandons pending completion waits.
func (s *SyncScheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
