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

type MatchRepository struct {
	queries *Queries
	db      *sql.DB
	logger  zerolog.Logger
}

func NewMatchRepository(sqlDB *sql.DB, queries *Queries, logger zerolog.Logger) *MatchRepository {
	return &MatchRepository{
		queries: queries,
		db:      sqlDB,
		logger:  logger,
	}
}

// WithTx runs fn inside a single transaction. Schema-shape errors are reported as
// ErrSchemaMismatch.
func (r *MatchRepository) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(r.queries.WithTx(tx)); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// ApplyEnrichment writes a detail record in one transaction: the match row is filled and
// marked detailed, known player rows are refreshed from the roster, and the raw payload is kept.
func (r *MatchRepository) ApplyEnrichment(ctx context.Context, detail *domain.RawMatch) error {
	now := time.Now()
	return r.WithTx(ctx, func(q *Queries) error {
		n, err := q.UpdateMatchDetails(ctx, UpdateMatchDetailsParams{
			ID:         detail.MatchID,
			StartTime:  detail.StartTime,
			Duration:   detail.Duration,
			RadiantWin: detail.RadiantWin,
			GameMode:   detail.GameMode,
			LobbyType:  detail.LobbyType,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to update match %d: %w", detail.MatchID, err)
		}
		if n == 0 {
			return fmt.Errorf("match %d: %w", detail.MatchID, ErrMatchNotFound)
		}

		for _, p := range detail.Players {
			if p.AccountID == nil {
				continue
			}
			_, err := q.UpdateMatchPlayerDetails(ctx, UpdateMatchPlayerDetailsParams{
				MatchID:    detail.MatchID,
				AccountID:  *p.AccountID,
				HeroID:     p.HeroID,
				PlayerSlot: p.PlayerSlot,
				IsRadiant:  p.Radiant(),
				Kills:      p.Kills,
				Deaths:     p.Deaths,
				Assists:    p.Assists,
				Won:        p.Won(detail.RadiantWin),
				UpdatedAt:  now,
			})
			if err != nil {
				return fmt.Errorf("failed to update player %d of match %d: %w", *p.AccountID, detail.MatchID, err)
			}
		}

		err = q.UpsertMatchDetail(ctx, UpsertMatchDetailParams{
			MatchID:   detail.MatchID,
			RawData:   string(detail.Payload),
			Source:    detail.Source,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to store detail of match %d: %w", detail.MatchID, err)
		}
		return nil
	})
}

func (r *MatchRepository) MatchesMissingDetails(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.queries.ListMatchesMissingDetails(ctx, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list matches missing details: %w", err))
	}
	return ids, nil
}

func (r *MatchRepository) GetMatch(ctx context.Context, matchID int64) (*domain.Match, error) {
	row, err := r.queries.GetMatch(ctx, matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match %d: %w", matchID, ErrMatchNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}

	match := &domain.Match{
		ID:         row.ID,
		Duration:   row.Duration,
		RadiantWin: row.RadiantWin,
		GameMode:   row.GameMode,
		LobbyType:  row.LobbyType,
		HasDetails: row.HasDetails,
		Source:     row.Source,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.StartTime != nil {
		t := time.Unix(*row.StartTime, 0).UTC()
		match.StartTime = &t
	}
	return match, nil
}

func (r *MatchRepository) GetMatchPlayers(ctx context.Context, matchID int64) ([]domain.MatchPlayer, error) {
	rows, err := r.queries.GetMatchPlayers(ctx, matchID)
	if err != nil {
		return nil, classify(err)
	}

	result := make([]domain.MatchPlayer, len(rows))
	for i, p := range rows {
		result[i] = domain.MatchPlayer{
			MatchID:    p.MatchID,
			AccountID:  p.AccountID,
			HeroID:     p.HeroID,
			PlayerSlot: p.PlayerSlot,
			IsRadiant:  p.IsRadiant,
			Kills:      p.Kills,
			Deaths:     p.Deaths,
			Assists:    p.Assists,
			Won:        p.Won,
			CreatedAt:  p.CreatedAt,
			UpdatedAt:  p.UpdatedAt,
		}
	}
	return result, nil
}

// GetEnrichmentRecord returns nil when the match was never enriched.
func (r *MatchRepository) GetEnrichmentRecord(ctx context.Context, matchID int64) (*domain.EnrichmentRecord, error) {
	row, err := r.queries.GetMatchDetail(ctx, matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &domain.EnrichmentRecord{
		MatchID:   row.MatchID,
		RawData:   []byte(row.RawData),
		Source:    row.Source,
		UpdatedAt: row.UpdatedAt,
	}, nil
}
