package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"match-sync/internal/constants"
	"match-sync/internal/domain"
	"match-sync/internal/repository"
	"match-sync/internal/service"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
)

const PipelineServicePath = "/pipeline.v1.PipelineService/"

const (
	GetSyncStatusProcedure           = PipelineServicePath + "GetSyncStatus"
	GetEnrichmentStatisticsProcedure = PipelineServicePath + "GetEnrichmentStatistics"
	TriggerSyncProcedure             = PipelineServicePath + "TriggerSync"
	ForceEnqueueProcedure            = PipelineServicePath + "ForceEnqueue"
	SetSyncFrequencyProcedure        = PipelineServicePath + "SetSyncFrequency"
)

type SyncStatusRequest struct {
	AccountID int64 `json:"account_id"`
}

type SyncStatusResponse struct {
	AccountID         int64      `json:"account_id"`
	LastMatchID       int64      `json:"last_match_id"`
	MatchesCount      int        `json:"matches_count"`
	FullSyncCompleted bool       `json:"full_sync_completed"`
	SyncInProgress    bool       `json:"sync_in_progress"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	LastSyncResult    string     `json:"last_sync_result,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	NextSyncAt        *time.Time `json:"next_sync_at,omitempty"`
	SyncFrequency     string     `json:"sync_frequency"`
}

type EnrichmentStatisticsRequest struct{}

type TriggerSyncRequest struct {
	AccountID int64 `json:"account_id"`
	FullSync  bool  `json:"full_sync"`
	Wait      bool  `json:"wait"` // block until the sync resolves
}

type TriggerSyncResponse struct {
	RunID     string `json:"run_id"`
	Done      bool   `json:"done"`
	Result    string `json:"result,omitempty"`
	Source    string `json:"source,omitempty"`
	Retrieved int    `json:"retrieved"`
	Watermark int64  `json:"watermark"`
	Error     string `json:"error,omitempty"`
}

type ForceEnqueueRequest struct {
	MatchID int64 `json:"match_id"`
}

type ForceEnqueueResponse struct {
	Queued bool `json:"queued"`
}

type SetSyncFrequencyRequest struct {
	AccountID int64  `json:"account_id"`
	Frequency string `json:"frequency"`
}

type SetSyncFrequencyResponse struct {
	Frequency  string     `json:"frequency"`
	NextSyncAt *time.Time `json:"next_sync_at,omitempty"`
}

// StatusServer exposes pipeline state and manual controls over connect unary calls.
type StatusServer struct {
	statuses     *repository.SyncStatusRepository
	orchestrator *service.SyncOrchestrator
	engine       *service.EnrichmentEngine
	scheduler    *service.SyncScheduler
	logger       zerolog.Logger
}

func NewStatusServer(
	statuses *repository.SyncStatusRepository,
	orchestrator *service.SyncOrchestrator,
	engine *service.EnrichmentEngine,
	scheduler *service.SyncScheduler,
	logger zerolog.Logger,
) *StatusServer {
	return &StatusServer{
		statuses:     statuses,
		orchestrator: orchestrator,
		engine:       engine,
		scheduler:    scheduler,
		logger:       logger,
	}
}

// Handler returns the mount path and the handler serving every procedure.
func (s *StatusServer) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(s.timingInterceptor()),
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(GetSyncStatusProcedure, connect.NewUnaryHandler(GetSyncStatusProcedure, s.GetSyncStatus, opts...))
	mux.Handle(GetEnrichmentStatisticsProcedure, connect.NewUnaryHandler(GetEnrichmentStatisticsProcedure, s.GetEnrichmentStatistics, opts...))
	mux.Handle(TriggerSyncProcedure, connect.NewUnaryHandler(TriggerSyncProcedure, s.TriggerSync, opts...))
	mux.Handle(ForceEnqueueProcedure, connect.NewUnaryHandler(ForceEnqueueProcedure, s.ForceEnqueue, opts...))
	mux.Handle(SetSyncFrequencyProcedure, connect.NewUnaryHandler(SetSyncFrequencyProcedure, s.SetSyncFrequency, opts...))
	return PipelineServicePath, mux
}

func (s *StatusServer) timingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			event := s.logger.Debug()
			if err != nil {
				event = s.logger.Warn().Err(err)
			}
			event.
				Str("procedure", req.Spec().Procedure).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Msg("rpc handled")
			return resp, err
		}
	}
}

func (s *StatusServer) GetSyncStatus(ctx context.Context, req *connect.Request[SyncStatusRequest]) (*connect.Response[SyncStatusResponse], error) {
	if req.Msg.AccountID <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("account_id must be positive"))
	}

	status, err := s.statuses.Get(ctx, req.Msg.AccountID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if status == nil {
		return nil, connect.NewError(connect.CodeNotFound, errors.New("account has never been synced"))
	}

	return connect.NewResponse(&SyncStatusResponse{
		AccountID:         status.AccountID,
		LastMatchID:       status.LastMatchID,
		MatchesCount:      status.MatchesCount,
		FullSyncCompleted: status.FullSyncCompleted,
		SyncInProgress:    status.SyncInProgress,
		LastSyncAt:        status.LastSyncAt,
		LastSyncResult:    string(status.LastSyncResult),
		LastError:         status.LastError,
		NextSyncAt:        status.NextSyncAt,
		SyncFrequency:     string(status.SyncFrequency),
	}), nil
}

func (s *StatusServer) GetEnrichmentStatistics(ctx context.Context, req *connect.Request[EnrichmentStatisticsRequest]) (*connect.Response[service.EnrichmentStatistics], error) {
	stats := s.engine.Statistics()
	return connect.NewResponse(&stats), nil
}

func (s *StatusServer) TriggerSync(ctx context.Context, req *connect.Request[TriggerSyncRequest]) (*connect.Response[TriggerSyncResponse], error) {
	if req.Msg.AccountID <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("account_id must be positive"))
	}

	h := s.orchestrator.Synchronize(req.Msg.AccountID, req.Msg.FullSync)
	resp := &TriggerSyncResponse{RunID: h.RunID}

	if req.Msg.Wait {
		waitCtx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
		defer cancel()
		select {
		case <-h.Done():
		case <-waitCtx.Done():
			return connect.NewResponse(resp), nil
		}
	}

	select {
	case <-h.Done():
	default:
		return connect.NewResponse(resp), nil
	}

	result := h.Result()
	if errors.Is(result.Err, service.ErrShuttingDown) {
		return nil, connect.NewError(connect.CodeUnavailable, result.Err)
	}
	resp.Done = true
	resp.Result = string(result.Kind)
	resp.Source = result.Source
	resp.Retrieved = result.Retrieved
	resp.Watermark = result.Watermark
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return connect.NewResponse(resp), nil
}

func (s *StatusServer) ForceEnqueue(ctx context.Context, req *connect.Request[ForceEnqueueRequest]) (*connect.Response[ForceEnqueueResponse], error) {
	if req.Msg.MatchID <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("match_id must be positive"))
	}
	queued := s.engine.ForceEnqueue(req.Msg.MatchID)
	if !queued {
		s.logger.Warn().Int64("match_id", req.Msg.MatchID).Msg("forced enrichment was not queued")
	}
	return connect.NewResponse(&ForceEnqueueResponse{Queued: queued}), nil
}

func (s *StatusServer) SetSyncFrequency(ctx context.Context, req *connect.Request[SetSyncFrequencyRequest]) (*connect.Response[SetSyncFrequencyResponse], error) {
	if req.Msg.AccountID <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("account_id must be positive"))
	}

	frequency, ok := domain.LookupSyncFrequency(req.Msg.Frequency)
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown sync frequency %q", req.Msg.Frequency))
	}
	next, err := s.scheduler.SetFrequency(ctx, req.Msg.AccountID, frequency)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&SetSyncFrequencyResponse{
		Frequency:  string(frequency),
		NextSyncAt: next,
	}), nil
}
