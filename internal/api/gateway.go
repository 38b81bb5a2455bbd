package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"match-sync/internal/config"
	"match-sync/internal/domain"
	"match-sync/internal/metrics"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Source is one provider of match history and match details.
type Source interface {
	Name() string
	FetchRecentMatches(ctx context.Context, accountID, beforeMatchID int64, pageSize int) ([]domain.RawMatch, error)
	FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error)
}

const (
	breakerMaxRequests      = 1
	breakerInterval         = 60 * time.Second
	breakerTimeout          = 30 * time.Second
	breakerFailureThreshold = 5
)

// Gateway orders the sources into a fallback chain and guards each one with a circuit breaker.
type Gateway struct {
	sources []Source
	logger  zerolog.Logger
}

func NewGateway(logger zerolog.Logger, sources ...Source) *Gateway {
	g := &Gateway{logger: logger}
	for _, s := range sources {
		g.sources = append(g.sources, newBreakerSource(s, logger))
	}
	return g
}

// ProvideGateway builds the chain from configuration. Steam is only used with an API key.
func ProvideGateway(cfg *config.Config, logger zerolog.Logger) *Gateway {
	sources := []Source{NewOpenDotaClient(cfg, logger)}
	if cfg.SteamAPIKey != "" {
		sources = append(sources, NewSteamClient(cfg, logger))
	} else {
		logger.Warn().Msg("steam fallback disabled, no api key configured")
	}
	return NewGateway(logger, sources...)
}

// Sources returns the chain in fallback order.
func (g *Gateway) Sources() []Source {
	return g.sources
}

// FetchMatchDetail walks the chain and returns the first successful detail record.
func (g *Gateway) FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error) {
	var errs []error
	for _, s := range g.sources {
		detail, err := s.FetchMatchDetail(ctx, matchID)
		if err == nil {
			return detail, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Debug().Err(err).Str("source", s.Name()).Int64("match_id", matchID).Msg("detail source failed, trying next")
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("failed to fetch match %d: no sources configured", matchID)
	}
	return nil, errors.Join(errs...)
}

type breakerSource struct {
	source Source
	cb     *gobreaker.CircuitBreaker[any]
}

func newBreakerSource(s Source, logger zerolog.Logger) *breakerSource {
	name := s.Name()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
		// a missing match, a local pacing refusal or a cancelled caller says nothing about
		// the source's health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrPacing) ||
				errors.Is(err, context.Canceled)
		},
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return &breakerSource{source: s, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (b *breakerSource) Name() string {
	return b.source.Name()
}

func (b *breakerSource) FetchRecentMatches(ctx context.Context, accountID, beforeMatchID int64, pageSize int) ([]domain.RawMatch, error) {
	start := time.Now()
	result, err := b.cb.Execute(func() (any, error) {
		return b.source.FetchRecentMatches(ctx, accountID, beforeMatchID, pageSize)
	})
	metrics.RecordSourceRequest(b.Name(), "recent_matches", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", b.Name(), err)
	}
	return castResult[[]domain.RawMatch](result)
}

func (b *breakerSource) FetchMatchDetail(ctx context.Context, matchID int64) (*domain.RawMatch, error) {
	start := time.Now()
	result, err := b.cb.Execute(func() (any, error) {
		return b.source.FetchMatchDetail(ctx, matchID)
	})
	metrics.RecordSourceRequest(b.Name(), "match_detail", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", b.Name(), err)
	}
	return castResult[*domain.RawMatch](result)
}

func castResult[T any](result any) (T, error) {
	var zero T
	if result == nil {
		return zero, nil
	}
	v, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", result)
	}
	return v, nil
}
