package service

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"match-sync/internal/config"
	"match-sync/internal/database"
	"match-sync/internal/domain"
	"match-sync/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

type testStore struct {
	db       *sql.DB
	matches  *repository.MatchRepository
	statuses *repository.SyncStatusRepository
	repairer *database.SchemaRepairer
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	cfg := config.Default()
	cfg.DBDSN = filepath.Join(t.TempDir(), "service.db")
	db, err := database.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := repository.New(db)
	return &testStore{
		db:       db,
		matches:  repository.NewMatchRepository(db, q, zerolog.Nop()),
		statuses: repository.NewSyncStatusRepository(q, zerolog.Nop()),
		repairer: database.NewSchemaRepairer(db, database.SQLite, zerolog.Nop()),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sync.PageDelay = time.Millisecond
	cfg.Sync.PageSize = 10
	cfg.Sync.MaxMatches = 500
	cfg.ShutdownGrace = 50 * time.Millisecond
	cfg.Enrichment.QueueCapacity = 100
	cfg.Enrichment.Workers = 1
	cfg.Enrichment.BatchSize = 5
	cfg.Enrichment.RequestsPerMinute = 1000
	cfg.Enrichment.RetryBaseDelay = time.Millisecond
	cfg.Enrichment.PriorityWait = 20 * time.Millisecond
	cfg.Enrichment.ScanInitialDelay = time.Hour
	cfg.Enrichment.ScanInterval = time.Hour
	cfg.Scheduler.RetryDelay = time.Hour
	return cfg
}

// fullMatch builds a raw match that carries every required field.
func fullMatch(id, accountID int64) domain.RawMatch {
	return domain.RawMatch{
		MatchID:    id,
		StartTime:  ptr(1700000000 + id),
		Duration:   ptr(2000),
		RadiantWin: ptr(true),
		GameMode:   ptr(22),
		Players: []domain.RawPlayer{{
			AccountID:  ptr(accountID),
			HeroID:     ptr(int(id % 100)),
			PlayerSlot: ptr(1),
			Kills:      ptr(5),
			Deaths:     ptr(2),
			Assists:    ptr(7),
		}},
		Source:  "fake",
		Payload: []byte(`{}`),
	}
}

func matchIDs(ids ...int64) func(accountID int64) []domain.RawMatch {
	return func(accountID int64) []domain.RawMatch {
		out := make([]domain.RawMatch, len(ids))
		for i, id := range ids {
			out[i] = fullMatch(id, accountID)
		}
		return out
	}
}

type page struct {
	matches func(accountID int64) []domain.RawMatch
	err     error
}

// scriptedSource serves its pages in order; calls past the script return an empty page.
type scriptedSource struct {
	name  string
	pages []page
	block chan struct{}

	mu      sync.Mutex
	calls   int
	befores []int64
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) FetchRecentMatches(ctx context.Context, accountID, beforeMatchID int64, pageSize int) ([]domain.RawMatch, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.befores = append(s.befores, beforeMatchID)
	s.mu.Unlock()

	if idx >= len(s.pages) {
		return nil, nil
	}
	p := s.pages[idx]
	if p.err != nil {
		return nil, p.err
	}
	return p.matches(accountID), nil
}

func (s *scriptedSource) FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error) {
	return nil, errors.New("not supported")
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingEnqueuer) Enqueue(matchID int64, priority bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, matchID)
	return true
}

type fakeFetcher struct {
	calls atomic.Int32
	fn    func(matchID int64, call int32) (*domain.RawMatch, error)
}

func (f *fakeFetcher) FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error) {
	n := f.calls.Add(1)
	return f.fn(matchID, n)
}
