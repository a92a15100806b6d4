package services

import (
	"context"
	"strings"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

// FeedbackIngester accepts feedback events
type FeedbackIngester interface {
	Ingest(ctx context.Context, event entities.FeedbackEvent) (entities.FeedbackAck, error)
}

// CacheBroadcaster announces a cache clear to other replicas
type CacheBroadcaster interface {
	Broadcast(ctx context.Context) error
}

// AnalysisService is the facade behind the HTTP handlers and the CLI
type AnalysisService struct {
	orchestrator *AnalysisOrchestrator
	cache        *AnalysisCache
	registry     *AdapterRegistry
	feedback     FeedbackIngester
	broadcaster  CacheBroadcaster
}

// AnalysisServiceOption configures optional collaborators
type AnalysisServiceOption func(*AnalysisService)

// WithCacheBroadcaster propagates ClearCache to other replicas
func WithCacheBroadcaster(b CacheBroadcaster) AnalysisServiceOption {
	return func(s *AnalysisService) { s.broadcaster = b }
}

// NewAnalysisService creates the facade. feedback may be nil, in which case
// SubmitFeedback reports an unknown target.
func NewAnalysisService(orchestrator *AnalysisOrchestrator, cache *AnalysisCache, registry *AdapterRegistry, feedback FeedbackIngester, opts ...AnalysisServiceOption) *AnalysisService {
	s := &AnalysisService{
		orchestrator: orchestrator,
		cache:        cache,
		registry:     registry,
		feedback:     feedback,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AnalyzePatient analyzes a patient loaded from the configured patient source
func (s *AnalysisService) AnalyzePatient(ctx context.Context, patientID string, opts entities.AnalysisOptions) (*entities.AnalysisResult, error) {
	return s.orchestrator.AnalyzePatient(ctx, patientID, opts)
}

// AnalyzeBundle analyzes a caller-supplied bundle
func (s *AnalysisService) AnalyzeBundle(ctx context.Context, bundle *entities.PatientBundle, opts entities.AnalysisOptions) (*entities.AnalysisResult, error) {
	return s.orchestrator.Analyze(ctx, bundle, opts)
}

// SubmitFeedback records a user signal about a past result
func (s *AnalysisService) SubmitFeedback(ctx context.Context, event entities.FeedbackEvent) (entities.FeedbackAck, error) {
	if s.feedback == nil {
		return entities.FeedbackAck{}, apperrors.NewUnknownFeedbackTargetError(strings.TrimSpace(event.ResultID))
	}
	return s.feedback.Ingest(ctx, event)
}

// ClearCache drops every cached analysis result
func (s *AnalysisService) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	logger := observability.LoggerFromContext(ctx)
	if s.broadcaster != nil {
		if err := s.broadcaster.Broadcast(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to propagate cache clear")
		}
	}
	logger.Info().Uint64("generation", s.cache.Generation()).Msg("analysis cache cleared")
	return nil
}

// GetAdapterStatus reports the state of every registered adapter
func (s *AnalysisService) GetAdapterStatus() []entities.AdapterStatus {
	return s.registry.Status()
}
