package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"match-sync/internal/domain"

	"github.com/rs/zerolog"
)

type SyncStatusRepository struct {
	queries *Queries
	logger  zerolog.Logger
}

func NewSyncStatusRepository(queries *Queries, logger zerolog.Logger) *SyncStatusRepository {
	return &SyncStatusRepository{
		queries: queries,
		logger:  logger,
	}
}

// Get returns nil when the account has never been synchronized.
func (r *SyncStatusRepository) Get(ctx context.Context, accountID int64) (*domain.SyncStatus, error) {
	row, err := r.queries.GetSyncStatus(ctx, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to get sync status: %w", err))
	}
	status := toSyncStatus(row)
	return &status, nil
}

// StartSync creates the row if needed and raises the in-progress flag.
func (r *SyncStatusRepository) StartSync(ctx context.Context, accountID int64, runID string) error {
	now := time.Now()
	if err := r.queries.UpsertSyncStatus(ctx, accountID, string(domain.FrequencyDaily), now); err != nil {
		return classify(fmt.Errorf("failed to create sync status: %w", err))
	}
	if err := r.queries.StartSync(ctx, accountID, runID, now); err != nil {
		return classify(fmt.Errorf("failed to mark sync in progress: %w", err))
	}
	return nil
}

type SyncCompletion struct {
	AccountID         int64
	Watermark         int64
	FullSyncCompleted bool
	Result            domain.SyncResultKind
	Err               error
}

// CompleteSync records the outcome of a run. The match count is read back from the store.
func (r *SyncStatusRepository) CompleteSync(ctx context.Context, c SyncCompletion) error {
	count, err := r.queries.CountAccountMatches(ctx, c.AccountID)
	if err != nil {
		return classify(fmt.Errorf("failed to count account matches: %w", err))
	}

	var lastError string
	if c.Err != nil {
		lastError = c.Err.Error()
	}

	err = r.queries.CompleteSync(ctx, CompleteSyncParams{
		AccountID:         c.AccountID,
		LastMatchID:       c.Watermark,
		MatchesCount:      count,
		FullSyncCompleted: c.FullSyncCompleted,
		LastSyncAt:        time.Now(),
		LastSyncResult:    string(c.Result),
		LastError:         lastError,
	})
	if err != nil {
		return classify(fmt.Errorf("failed to complete sync: %w", err))
	}
	return nil
}

func (r *SyncStatusRepository) ScheduleNextSync(ctx context.Context, accountID int64, next *time.Time) error {
	if err := r.queries.ScheduleNextSync(ctx, accountID, next, time.Now()); err != nil {
		return classify(fmt.Errorf("failed to schedule next sync: %w", err))
	}
	return nil
}

func (r *SyncStatusRepository) SetSyncFrequency(ctx context.Context, accountID int64, frequency domain.SyncFrequency, next *time.Time) error {
	now := time.Now()
	if err := r.queries.UpsertSyncStatus(ctx, accountID, string(frequency), now); err != nil {
		return classify(fmt.Errorf("failed to create sync status: %w", err))
	}
	if err := r.queries.SetSyncFrequency(ctx, accountID, string(frequency), next, now); err != nil {
		return classify(fmt.Errorf("failed to set sync frequency: %w", err))
	}
	return nil
}

// ResetInFlight clears in-progress flags left behind by a previous process.
func (r *SyncStatusRepository) ResetInFlight(ctx context.Context) (int64, error) {
	n, err := r.queries.ResetInFlight(ctx, time.Now())
	if err != nil {
		return 0, classify(fmt.Errorf("failed to reset in-flight syncs: %w", err))
	}
	if n > 0 {
		r.logger.Warn().Int64("accounts", n).Msg("cleared stale in-progress sync flags")
	}
	return n, nil
}

func (r *SyncStatusRepository) ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]domain.SyncStatus, error) {
	rows, err := r.queries.ListDueAccounts(ctx, now, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list due accounts: %w", err))
	}

	result := make([]domain.SyncStatus, len(rows))
	for i, row := range rows {
		result[i] = toSyncStatus(row)
	}
	return result, nil
}

func (r *SyncStatusRepository) CountAccountMatches(ctx context.Context, accountID int64) (int64, error) {
	n, err := r.queries.CountAccountMatches(ctx, accountID)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to count account matches: %w", err))
	}
	return n, nil
}

func toSyncStatus(row SyncStatusRow) domain.SyncStatus {
	return domain.SyncStatus{
		AccountID:         row.AccountID,
		LastMatchID:       row.LastMatchID,
		MatchesCount:      int(row.MatchesCount),
		FullSyncCompleted: row.FullSyncCompleted,
		SyncInProgress:    row.SyncInProgress,
		LastSyncAt:        row.LastSyncAt,
		LastSyncResult:    domain.SyncResultKind(row.LastSyncResult),
		LastError:         row.LastError,
		LastRunID:         row.LastRunID,
		NextSyncAt:        row.NextSyncAt,
		SyncFrequency:     domain.ParseSyncFrequency(row.SyncFrequency),
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}
