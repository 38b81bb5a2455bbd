//go:build integration

package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"match-sync/internal/config"
	"match-sync/internal/database"
	"match-sync/internal/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgrescontainer.Run(ctx,
		"postgres:16-alpine",
		postgrescontainer.WithDatabase("matches"),
		postgrescontainer.WithUsername("sync"),
		postgrescontainer.WithPassword("sync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DBDriver = string(database.Postgres)
	cfg.DBDSN = dsn
	db, err := database.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	db := setupPostgres(t)
	q := New(db)
	matches := NewMatchRepository(db, q, zerolog.Nop())
	statuses := NewSyncStatusRepository(q, zerolog.Nop())
	ctx := context.Background()

	insertMatch(t, matches, UpsertMatchParams{ID: 10, StartTime: ptr(int64(1700000010)), Source: "opendota"},
		UpsertMatchPlayerParams{AccountID: 7, HeroID: ptr(3)})
	insertMatch(t, matches, UpsertMatchParams{ID: 11, StartTime: ptr(int64(1700000011)), Source: "opendota"},
		UpsertMatchPlayerParams{AccountID: 7})

	ids, err := matches.MatchesMissingDetails(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 10}, ids)

	err = matches.ApplyEnrichment(ctx, &domain.RawMatch{
		MatchID:    10,
		Duration:   ptr(2100),
		RadiantWin: ptr(false),
		GameMode:   ptr(22),
		Players:    []domain.RawPlayer{{AccountID: ptr(int64(7)), PlayerSlot: ptr(130), Kills: ptr(9)}},
		Source:     "opendota",
		Payload:    []byte(`{"match_id":10}`),
	})
	require.NoError(t, err)

	m, err := matches.GetMatch(ctx, 10)
	require.NoError(t, err)
	assert.True(t, m.HasDetails)
	require.NotNil(t, m.Duration)
	assert.Equal(t, 2100, *m.Duration)

	players, err := matches.GetMatchPlayers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, players, 1)
	require.NotNil(t, players[0].Won)
	assert.True(t, *players[0].Won)

	require.NoError(t, statuses.StartSync(ctx, 7, "run-1"))
	require.NoError(t, statuses.CompleteSync(ctx, SyncCompletion{AccountID: 7, Watermark: 11, Result: domain.SyncResultSucceeded}))
	require.NoError(t, statuses.CompleteSync(ctx, SyncCompletion{AccountID: 7, Watermark: 5, Result: domain.SyncResultSucceeded}))

	status, err := statuses.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(11), status.LastMatchID)
	assert.Equal(t, 2, status.MatchesCount)
	assert.False(t, status.SyncInProgress)

	due, err := statuses.ListDueAccounts(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(7), due[0].AccountID)
}

func TestPostgresSchemaRepair(t *testing.T) {
	db := setupPostgres(t)
	q := New(db)
	matches := NewMatchRepository(db, q, zerolog.Nop())
	repairer := database.NewSchemaRepairer(db, database.Postgres, zerolog.Nop())
	ctx := context.Background()

	insertMatch(t, matches, UpsertMatchParams{ID: 20, StartTime: ptr(int64(1700000020)), Source: "steam"},
		UpsertMatchPlayerParams{AccountID: 7})

	_, err := db.Exec(`DROP TABLE match_details`)
	require.NoError(t, err)

	_, err = matches.MatchesMissingDetails(ctx, 10)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	require.NoError(t, repairer.Repair(ctx))

	ids, err := matches.MatchesMissingDetails(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, ids)
}
