package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

// ResultRegistrar records issued results as feedback targets
type ResultRegistrar interface {
	RegisterResult(result *entities.AnalysisResult)
}

// ResultDispatcher hands completed results to notification delivery
type ResultDispatcher interface {
	Dispatch(result *entities.AnalysisResult) bool
}

// AnalysisOrchestratorConfig holds the per-analysis budget settings
type AnalysisOrchestratorConfig struct {
	Timeout             time.Duration
	EvidenceBudgetShare float64
	EvidenceLimit       int
}

// OrchestratorDeps are the collaborators of the orchestrator. Learner,
// Dispatcher, Patients and Metrics are optional.
type OrchestratorDeps struct {
	Cache      *AnalysisCache
	Registry   *AdapterRegistry
	Evidence   *EvidenceRetriever
	Reasoning  *ReasoningEngine
	Scorer     *RiskScorer
	Alerts     *AlertGenerator
	Learner    ResultRegistrar
	Dispatcher ResultDispatcher
	Patients   providers.PatientSource
	Metrics    *observability.Metrics
}

// AnalysisOrchestrator sequences one analysis request through every stage
type AnalysisOrchestrator struct {
	cfg  AnalysisOrchestratorConfig
	deps OrchestratorDeps
	now  func() time.Time
}

// NewAnalysisOrchestrator creates an orchestrator
func NewAnalysisOrchestrator(cfg AnalysisOrchestratorConfig, deps OrchestratorDeps) *AnalysisOrchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EvidenceBudgetShare <= 0 || cfg.EvidenceBudgetShare >= 1 {
		cfg.EvidenceBudgetShare = 0.3
	}
	if cfg.EvidenceLimit <= 0 {
		cfg.EvidenceLimit = defaultEvidenceLimit
	}
	if deps.Cache != nil && deps.Learner != nil {
		// Results restored from the shared store were issued by another
		// replica or an earlier process and still accept feedback here.
		deps.Cache.OnRestore(deps.Learner.RegisterResult)
	}
	return &AnalysisOrchestrator{cfg: cfg, deps: deps, now: time.Now}
}

// Fingerprint derives the cache key for a patient loaded from the patient
// source and the request options.
func Fingerprint(patientID string, opts entities.AnalysisOptions) string {
	return fingerprintOf("patient", strings.TrimSpace(patientID), "", opts)
}

// BundleFingerprint derives the cache key for a caller-supplied bundle. It
// lives in its own key space and covers the bundle content, so an inline
// bundle can never answer for the stored record with the same id.
func BundleFingerprint(bundle *entities.PatientBundle, opts entities.AnalysisOptions) (string, error) {
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", apperrors.NewDataUnavailableError(fmt.Sprintf("bundle cannot be encoded: %v", err))
	}
	sum := sha256.Sum256(data)
	return fingerprintOf("bundle", strings.TrimSpace(bundle.ID), hex.EncodeToString(sum[:]), opts), nil
}

func fingerprintOf(origin, patientID, contentDigest string, opts entities.AnalysisOptions) string {
	parts := []string{
		origin,
		patientID,
		opts.NormalizedSpecialty(),
		strconv.FormatBool(opts.IncludeRecommendations),
		strconv.FormatBool(opts.IncludeReasoning),
		string(entities.ParseQueryType(string(opts.QueryType))),
	}
	if contentDigest != "" {
		parts = append(parts, contentDigest)
	}
	if q := strings.TrimSpace(opts.Question); q != "" {
		parts = append(parts, q)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Analyze runs the pipeline for a caller-supplied bundle. An invalid bundle is
// the only error; every other failure degrades the result.
func (o *AnalysisOrchestrator) Analyze(ctx context.Context, bundle *entities.PatientBundle, opts entities.AnalysisOptions) (*entities.AnalysisResult, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	key, err := BundleFingerprint(bundle, opts)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, key, opts, func(ctx context.Context) (*entities.PatientBundle, error) {
		return bundle, nil
	})
}

// AnalyzePatient loads the bundle from the patient source inside the
// single-flight computation, so concurrent callers share one load.
func (o *AnalysisOrchestrator) AnalyzePatient(ctx context.Context, patientID string, opts entities.AnalysisOptions) (*entities.AnalysisResult, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperrors.NewDataUnavailableError("patient id is required")
	}
	if o.deps.Patients == nil {
		return nil, apperrors.NewDataUnavailableError("no patient source configured")
	}
	return o.run(ctx, Fingerprint(patientID, opts), opts, func(ctx context.Context) (*entities.PatientBundle, error) {
		bundle, err := o.deps.Patients.GetBundle(ctx, patientID)
		if err != nil {
			if apperrors.TypeOf(err) == apperrors.ErrorTypeNotFound || apperrors.TypeOf(err) == apperrors.ErrorTypeDataUnavailable {
				return nil, err
			}
			return nil, apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: bundle unavailable: %v", patientID, err))
		}
		return bundle, nil
	})
}

type bundleLoader func(ctx context.Context) (*entities.PatientBundle, error)

func (o *AnalysisOrchestrator) run(ctx context.Context, fingerprint string, opts entities.AnalysisOptions, load bundleLoader) (*entities.AnalysisResult, error) {
	correlationID := observability.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}
	result, outcome, err := o.deps.Cache.GetOrCompute(ctx, fingerprint, func(ctx context.Context) (*entities.AnalysisResult, error) {
		bundle, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return o.compute(ctx, fingerprint, correlationID, bundle, opts)
	})
	observability.RecordCacheLookup(ctx, o.deps.Metrics, string(outcome))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (o *AnalysisOrchestrator) compute(ctx context.Context, fingerprint, correlationID string, bundle *entities.PatientBundle, opts entities.AnalysisOptions) (*entities.AnalysisResult, error) {
	started := o.now()
	ctx, span := observability.StartSpan(ctx, "analysis.compute")
	defer span.End()

	specialty := opts.NormalizedSpecialty()
	queryType := entities.ParseQueryType(string(opts.QueryType))
	observability.SetSpanAttributes(span,
		attribute.String("analysis.fingerprint", fingerprint),
		attribute.String("analysis.specialty", specialty),
	)

	logger := observability.LoggerFromContext(ctx).With().
		Str("fingerprint", fingerprint).
		Str("patient_id", bundle.ID).
		Logger()
	logger.Info().Str("specialty", specialty).Msg("analysis computation started")

	if err := bundle.Validate(); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	conditions := bundle.ActiveConditions()
	lease := o.deps.Registry.SelectAdapters(ctx, conditions, specialty)
	defer lease.Release()

	var (
		risk entities.RiskScoreSet
		ev   EvidenceResult
	)
	evidenceBudget := time.Duration(float64(o.cfg.Timeout) * o.cfg.EvidenceBudgetShare)

	var g errgroup.Group
	g.Go(func() error {
		ectx, ecancel := context.WithTimeout(ctx, evidenceBudget)
		defer ecancel()
		ev = o.deps.Evidence.Retrieve(ectx, EvidenceRequest{
			Conditions:  conditions,
			Medications: bundle.ActiveMedications(),
			Question:    opts.Question,
			Limit:       o.cfg.EvidenceLimit,
		})
		return nil
	})
	g.Go(func() error {
		var err error
		risk, err = o.deps.Scorer.Score(bundle)
		return err
	})
	if err := g.Wait(); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	var reasoning ReasoningOutput
	reasoningRan := opts.IncludeReasoning || opts.IncludeRecommendations
	if reasoningRan {
		reasoning = o.deps.Reasoning.GenerateReasoning(ctx, ReasoningRequest{
			Bundle:    bundle,
			QueryType: queryType,
			Question:  opts.Question,
			Specialty: specialty,
			Risk:      risk,
			Adapters:  lease.Adapters,
			Evidence:  ev.Items,
		})
	}

	alerts := o.deps.Alerts.GenerateAlerts(risk, bundle.ClinicalFlags())

	result := &entities.AnalysisResult{
		ID:              uuid.New().String(),
		CorrelationID:   correlationID,
		Fingerprint:     fingerprint,
		PatientID:       bundle.ID,
		Specialty:       specialty,
		QueryType:       queryType,
		RiskScores:      risk,
		Alerts:          alerts,
		HighestSeverity: HighestSeverity(alerts),
		Evidence:        ev.Items,
		Adapters:        lease.Descriptors,
		Warnings:        append([]string(nil), lease.Warnings...),
		StartedAt:       started,
	}
	if result.Alerts == nil {
		result.Alerts = []entities.Alert{}
	}
	if result.Evidence == nil {
		result.Evidence = []entities.EvidenceItem{}
	}

	result.Degraded.AdapterFallback = lease.Fallback
	result.Degraded.EvidenceUnavailable = ev.Unavailable
	if ev.Unavailable {
		result.Warnings = append(result.Warnings, "evidence retrieval unavailable")
		logger.Warn().Err(ev.Err).Str("error_type", string(apperrors.ErrorTypeEvidenceDegraded)).Msg("evidence stage degraded")
		observability.RecordStageDegraded(ctx, o.deps.Metrics, "evidence")
	} else if ev.Partial {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d of %d evidence queries failed", ev.Failed, ev.Queries))
	}
	if lease.Fallback {
		observability.RecordStageDegraded(ctx, o.deps.Metrics, "adapters")
	}

	if reasoningRan {
		result.Answer = reasoning.Answer
		result.Confidence = reasoning.Confidence
		if opts.IncludeReasoning {
			result.ReasoningSteps = reasoning.Steps
		}
		result.Degraded.ReasoningDegraded = reasoning.Degraded
		result.Degraded.ReasoningTimedOut = reasoning.TimedOut
		if reasoning.TimedOut || reasoning.Degraded {
			stage := "reasoning"
			if reasoning.TimedOut {
				stage = "reasoning_timeout"
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("reasoning degraded: %v", reasoning.Err))
			logger.Warn().Err(reasoning.Err).Str("error_type", string(apperrors.TypeOf(reasoning.Err))).Msg("reasoning stage degraded")
			observability.RecordStageDegraded(ctx, o.deps.Metrics, stage)
		}
	}

	if opts.IncludeRecommendations {
		result.Recommendations = reasoning.Recommendations
		if len(result.Recommendations) == 0 {
			result.Recommendations = alertRecommendations(alerts)
		}
	}

	result.CompletedAt = o.now()

	if o.deps.Learner != nil {
		o.deps.Learner.RegisterResult(result)
	}
	if o.deps.Dispatcher != nil {
		o.deps.Dispatcher.Dispatch(result)
	}

	duration := result.CompletedAt.Sub(started)
	observability.RecordAnalysis(ctx, o.deps.Metrics, specialty, result.IsDegraded(), duration)
	logger.Info().
		Str("result_id", result.ID).
		Str("highest_severity", string(result.HighestSeverity)).
		Int("alerts", len(result.Alerts)).
		Int("evidence", len(result.Evidence)).
		Bool("degraded", result.IsDegraded()).
		Dur("duration", duration).
		Msg("analysis computation finished")

	return result, nil
}

func alertRecommendations(alerts []entities.Alert) []string {
	seen := make(map[string]struct{}, len(alerts))
	var out []string
	for _, a := range alerts {
		rec := strings.TrimSpace(a.Recommendation)
		if rec == "" {
			continue
		}
		if _, ok := seen[rec]; ok {
			continue
		}
		seen[rec] = struct{}{}
		out = append(out, rec)
	}
	return out
}
