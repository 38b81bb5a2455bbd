package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"match-sync/internal/domain"
	"match-sync/internal/metrics"
	"match-sync/internal/repository"

	"github.com/rs/zerolog"
)

var ErrInvalidMatch = errors.New("invalid match")

// Enqueuer accepts match ids for enrichment.
type Enqueuer interface {
	Enqueue(matchID int64, priority bool) bool
}

// Repairer restores a damaged schema.
type Repairer interface {
	Repair(ctx context.Context) error
}

type IngestResult struct {
	RowsWritten     int
	NeedsEnrichment []int64
	Failed          int
}

// MatchIngestor stores raw matches of one account, one transaction per match.
type MatchIngestor struct {
	matches  *repository.MatchRepository
	enqueuer Enqueuer
	repairer Repairer
	logger   zerolog.Logger
}

func NewMatchIngestor(matches *repository.MatchRepository, enqueuer Enqueuer, repairer Repairer, logger zerolog.Logger) *MatchIngestor {
	return &MatchIngestor{
		matches:  matches,
		enqueuer: enqueuer,
		repairer: repairer,
		logger:   logger,
	}
}

func (i *MatchIngestor) Ingest(ctx context.Context, accountID int64, raws []domain.RawMatch) IngestResult {
	var result IngestResult

	for idx := range raws {
		raw := &raws[idx]
		needsEnrichment, err := i.ingestOne(ctx, accountID, raw)
		if errors.Is(err, repository.ErrSchemaMismatch) && i.repairer != nil {
			if repairErr := i.repairer.Repair(ctx); repairErr != nil {
				i.logger.Error().Err(repairErr).Msg("schema repair failed during ingestion")
			} else {
				needsEnrichment, err = i.ingestOne(ctx, accountID, raw)
			}
		}
		if err != nil {
			result.Failed++
			i.logger.Warn().Err(err).
				Int64("account_id", accountID).
				Int64("match_id", raw.MatchID).
				Msg("failed to ingest match, rolled back")
			continue
		}

		result.RowsWritten++
		if needsEnrichment {
			result.NeedsEnrichment = append(result.NeedsEnrichment, raw.MatchID)
		}
	}

	metrics.IngestedRowsTotal.Add(float64(result.RowsWritten))
	metrics.IngestFailuresTotal.Add(float64(result.Failed))

	queued := 0
	for _, id := range result.NeedsEnrichment {
		if i.enqueuer != nil && i.enqueuer.Enqueue(id, false) {
			queued++
		}
	}
	if len(result.NeedsEnrichment) > 0 {
		i.logger.Info().
			Int64("account_id", accountID).
			Int("needs_enrichment", len(result.NeedsEnrichment)).
			Int("queued", queued).
			Msg("queued matches for enrichment")
	}

	i.logger.Debug().
		Int64("account_id", accountID).
		Int("matches", len(raws)).
		Int("rows_written", result.RowsWritten).
		Int("failed", result.Failed).
		Msg("ingestion finished")
	return result
}

func (i *MatchIngestor) ingestOne(ctx context.Context, accountID int64, raw *domain.RawMatch) (bool, error) {
	if raw.MatchID <= 0 {
		return false, fmt.Errorf("%w: id %d", ErrInvalidMatch, raw.MatchID)
	}

	player, found := raw.FindPlayer(accountID)
	needsEnrichment := len(raw.MissingFields()) > 0 || !found
	now := time.Now()

	err := i.matches.WithTx(ctx, func(q *repository.Queries) error {
		err := q.UpsertMatch(ctx, repository.UpsertMatchParams{
			ID:         raw.MatchID,
			StartTime:  raw.StartTime,
			Duration:   raw.Duration,
			RadiantWin: raw.RadiantWin,
			GameMode:   raw.GameMode,
			LobbyType:  raw.LobbyType,
			HasDetails: !needsEnrichment,
			Source:     raw.Source,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert match: %w", err)
		}

		// without a roster entry a placeholder row still links the match to the account
		params := repository.UpsertMatchPlayerParams{
			MatchID:   raw.MatchID,
			AccountID: accountID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if found {
			params.HeroID = player.HeroID
			params.PlayerSlot = player.PlayerSlot
			params.IsRadiant = player.Radiant()
			params.Kills = player.Kills
			params.Deaths = player.Deaths
			params.Assists = player.Assists
			params.Won = player.Won(raw.RadiantWin)
		}
		if err := q.UpsertMatchPlayer(ctx, params); err != nil {
			return fmt.Errorf("failed to upsert match player: %w", err)
		}
		return nil
	})
	return needsEnrichment, err
}
