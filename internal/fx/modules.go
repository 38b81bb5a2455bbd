package fx

import (
	"context"
	"database/sql"

	"match-sync/internal/api"
	"match-sync/internal/config"
	"match-sync/internal/database"
	"match-sync/internal/logger"
	"match-sync/internal/repository"
	"match-sync/internal/server"
	"match-sync/internal/service"

	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func ProvideQueries(sqlDB *sql.DB) *repository.Queries {
	return repository.New(sqlDB)
}

func ProvideSchemaRepairer(sqlDB *sql.DB, cfg *config.Config, logger zerolog.Logger) *database.SchemaRepairer {
	return database.NewSchemaRepairer(sqlDB, database.NewDialect(cfg), logger)
}

func ProvideEnrichmentEngine(
	gateway *api.Gateway,
	matches *repository.MatchRepository,
	repairer *database.SchemaRepairer,
	cfg *config.Config,
	logger zerolog.Logger,
) *service.EnrichmentEngine {
	return service.NewEnrichmentEngine(gateway, matches, repairer, cfg, logger)
}

func ProvideMatchIngestor(
	matches *repository.MatchRepository,
	engine *service.EnrichmentEngine,
	repairer *database.SchemaRepairer,
	logger zerolog.Logger,
) *service.MatchIngestor {
	return service.NewMatchIngestor(matches, engine, repairer, logger)
}

type pipelineParams struct {
	fx.In

	Lifecycle    fx.Lifecycle
	DB           *sql.DB
	Orchestrator *service.SyncOrchestrator
	Engine       *service.EnrichmentEngine
	Scheduler    *service.SyncScheduler
	Logger       zerolog.Logger
}

// registerPipeline starts the background components after recovery and stops them in
// reverse order: scheduler, then in-flight syncs, then enrichment, then the database.
func registerPipeline(p pipelineParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := p.DB.Close(); err != nil {
				p.Logger.Warn().Err(err).Msg("error closing database connection")
			}
			return nil
		},
	})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Orchestrator.Recover(ctx); err != nil {
				return err
			}
			p.Engine.Start()
			p.Scheduler.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.Scheduler.Stop(ctx); err != nil {
				p.Logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
			}
			if err := p.Orchestrator.Shutdown(ctx); err != nil {
				p.Logger.Warn().Err(err).Msg("in-flight syncs did not stop cleanly")
			}
			if err := p.Engine.Stop(ctx); err != nil {
				p.Logger.Warn().Err(err).Msg("enrichment engine did not stop cleanly")
			}
			p.Logger.Info().Msg("pipeline stopped")
			return nil
		},
	})
}

var Module = fx.Options(
	logger.Module,
	config.Module,
	fx.Provide(database.New),
	fx.Provide(ProvideQueries),
	fx.Provide(ProvideSchemaRepairer),
	// repos
	fx.Provide(repository.NewMatchRepository),
	fx.Provide(repository.NewSyncStatusRepository),
	// sources
	fx.Provide(api.ProvideGateway),
	// svc
	fx.Provide(ProvideEnrichmentEngine),
	fx.Provide(ProvideMatchIngestor),
	fx.Provide(service.NewSyncOrchestrator),
	fx.Provide(service.NewSyncScheduler),
	// server
	fx.Provide(server.NewStatusServer),
	fx.Invoke(registerPipeline),
)
