package repository

import (
	"context"
	"time"
)

const syncStatusColumns = `account_id, last_match_id, matches_count, full_sync_completed, sync_in_progress,
    last_sync_at, last_sync_result, last_error, last_run_id, next_sync_at, sync_frequency, created_at, updated_at`

type SyncStatusRow struct {
	AccountID         int64
	LastMatchID       int64
	MatchesCount      int64
	FullSyncCompleted bool
	SyncInProgress    bool
	LastSyncAt        *time.Time
	LastSyncResult    string
	LastError         string
	LastRunID         string
	NextSyncAt        *time.Time
	SyncFrequency     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncStatus(row rowScanner) (SyncStatusRow, error) {
	var i SyncStatusRow
	err := row.Scan(
		&i.AccountID,
		&i.LastMatchID,
		&i.MatchesCount,
		&i.FullSyncCompleted,
		&i.SyncInProgress,
		&i.LastSyncAt,
		&i.LastSyncResult,
		&i.LastError,
		&i.LastRunID,
		&i.NextSyncAt,
		&i.SyncFrequency,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getSyncStatus = `SELECT ` + syncStatusColumns + ` FROM sync_status WHERE account_id = $1`

func (q *Queries) GetSyncStatus(ctx context.Context, accountID int64) (SyncStatusRow, error) {
	return scanSyncStatus(q.db.QueryRowContext(ctx, getSyncStatus, accountID))
}

const upsertSyncStatus = `
INSERT INTO sync_status (account_id, sync_frequency, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (account_id) DO NOTHING`

// UpsertSyncStatus creates the row of an account that has none yet.
func (q *Queries) UpsertSyncStatus(ctx context.Context, accountID int64, frequency string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, upsertSyncStatus, accountID, frequency, ts(now))
	return err
}

const startSync = `
UPDATE sync_status SET
    sync_in_progress = TRUE,
    last_run_id      = $1,
    updated_at       = $2
WHERE account_id = $3`

func (q *Queries) StartSync(ctx context.Context, accountID int64, runID string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, startSync, runID, ts(now), accountID)
	return err
}

const completeSync = `
UPDATE sync_status SET
    sync_in_progress    = FALSE,
    last_match_id       = CASE WHEN $1 > last_match_id THEN $1 ELSE last_match_id END,
    matches_count       = $2,
    full_sync_completed = full_sync_completed OR $3,
    last_sync_at        = $4,
    last_sync_result    = $5,
    last_error          = $6,
    updated_at          = $4
WHERE account_id = $7`

type CompleteSyncParams struct {
	AccountID         int64
	LastMatchID       int64
	MatchesCount      int64
	FullSyncCompleted bool
	LastSyncAt        time.Time
	LastSyncResult    string
	LastError         string
}

// CompleteSync clears the in-progress flag. The watermark only moves forward.
func (q *Queries) CompleteSync(ctx context.Context, arg CompleteSyncParams) error {
	_, err := q.db.ExecContext(ctx, completeSync,
		arg.LastMatchID,
		arg.MatchesCount,
		arg.FullSyncCompleted,
		ts(arg.LastSyncAt),
		arg.LastSyncResult,
		arg.LastError,
		arg.AccountID,
	)
	return err
}

const scheduleNextSync = `
UPDATE sync_status SET
    next_sync_at = $1,
    updated_at   = $2
WHERE account_id = $3`

func (q *Queries) ScheduleNextSync(ctx context.Context, accountID int64, next *time.Time, now time.Time) error {
	_, err := q.db.ExecContext(ctx, scheduleNextSync, tsPtr(next), ts(now), accountID)
	return err
}

const setSyncFrequency = `
UPDATE sync_status SET
    sync_frequency = $1,
    next_sync_at   = $2,
    updated_at     = $3
WHERE account_id = $4`

func (q *Queries) SetSyncFrequency(ctx context.Context, accountID int64, frequency string, next *time.Time, now time.Time) error {
	_, err := q.db.ExecContext(ctx, setSyncFrequency, frequency, tsPtr(next), ts(now), accountID)
	return err
}

const resetInFlight = `
UPDATE sync_status SET
    sync_in_progress = FALSE,
    updated_at       = $1
WHERE sync_in_progress = TRUE`

func (q *Queries) ResetInFlight(ctx context.Context, now time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, resetInFlight, ts(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listDueAccounts = `SELECT ` + syncStatusColumns + `
FROM sync_status
WHERE sync_in_progress = FALSE
  AND sync_frequency <> 'never'
  AND (next_sync_at IS NULL OR next_sync_at <= $1)
ORDER BY next_sync_at IS NOT NULL, next_sync_at, account_id
LIMIT $2`

func (q *Queries) ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]SyncStatusRow, error) {
	rows, err := q.db.QueryContext(ctx, listDueAccounts, ts(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SyncStatusRow
	for rows.Next() {
		i, err := scanSyncStatus(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
