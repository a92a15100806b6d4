package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const reasoningJSON = `{"steps":["Review blood pressure","Review glycaemic control"],"answer":"Cardiometabolic risk is high","recommendations":["Start a statin"],"confidence":0.7}`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	prev := log.Logger
	buf := &syncBuffer{}
	observability.InitLoggerWithWriter("clinical-analysis-test", "test", buf)
	t.Cleanup(func() { log.Logger = prev })
	return buf
}

type orchestratorHarness struct {
	orchestrator *AnalysisOrchestrator
	service      *AnalysisService
	cache        *AnalysisCache
	registry     *AdapterRegistry
	learner      *FeedbackLearner
	dispatcher   *NotificationDispatcher
	index        *stubIndex
	generator    *stubGenerator
	patients     *stubPatientSource
}

func newOrchestratorHarness(t *testing.T, channels ...providers.NotificationChannel) *orchestratorHarness {
	t.Helper()
	return buildOrchestratorHarness(t, nil, channels...)
}

// newSharedL2Harness builds a harness whose cache sits in front of l2, the way
// replicas share one redis.
func newSharedL2Harness(t *testing.T, l2 providers.CacheProvider) *orchestratorHarness {
	t.Helper()
	return buildOrchestratorHarness(t, l2)
}

func buildOrchestratorHarness(t *testing.T, l2 providers.CacheProvider, channels ...providers.NotificationChannel) *orchestratorHarness {
	t.Helper()
	h := &orchestratorHarness{
		index: &stubIndex{hits: map[string][]entities.SearchHit{
			"Essential hypertension": {
				{SourceID: "pm-1", Source: "pubmed", Text: "Blood pressure control lowers stroke risk.", Score: 0.9},
			},
			"Type 2 diabetes mellitus": {
				{SourceID: "guide-7", Source: "guidelines", Text: "Metformin remains first line.", Score: 0.8},
			},
		}},
		generator: &stubGenerator{response: reasoningJSON},
		patients: &stubPatientSource{bundles: map[string]*entities.PatientBundle{
			"p-1": cardiometabolicBundle("p-1"),
			"p-2": cardiometabolicBundle("p-2"),
		}},
	}

	h.registry = newTestRegistry(t, 4, 3)
	learner, err := NewFeedbackLearner(FeedbackLearnerConfig{LearningRate: 0.1, QueueSize: 16}, h.registry, nil, nil)
	require.NoError(t, err)
	h.learner = learner
	h.dispatcher = NewNotificationDispatcher(dispatcherConfig(), nil, channels...)
	h.cache = NewAnalysisCache(AnalysisCacheConfig{TTL: time.Minute}, l2)

	risk := config.DefaultRiskConfig()
	h.orchestrator = NewAnalysisOrchestrator(AnalysisOrchestratorConfig{Timeout: 5 * time.Second}, OrchestratorDeps{
		Cache:      h.cache,
		Registry:   h.registry,
		Evidence:   NewEvidenceRetriever(h.index, h.learner),
		Reasoning:  NewReasoningEngine(h.generator),
		Scorer:     NewRiskScorer(risk),
		Alerts:     NewAlertGenerator(risk),
		Learner:    h.learner,
		Dispatcher: h.dispatcher,
		Patients:   h.patients,
	})
	h.service = NewAnalysisService(h.orchestrator, h.cache, h.registry, h.learner)

	t.Cleanup(func() {
		_ = h.learner.Close(context.Background())
		_ = h.dispatcher.Close(context.Background())
	})
	return h
}

func fullOptions() entities.AnalysisOptions {
	return entities.AnalysisOptions{
		Specialty:              "cardiology",
		IncludeRecommendations: true,
		IncludeReasoning:       true,
		QueryType:              entities.QueryTypeTreatment,
	}
}

func TestAnalysisOrchestrator_FullPipeline(t *testing.T) {
	h := newOrchestratorHarness(t)

	res, err := h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, "p-1", res.PatientID)
	assert.Equal(t, Fingerprint("p-1", fullOptions()), res.Fingerprint)
	assert.Equal(t, []string{"cardiology", "endocrinology"}, res.AdapterIDs())
	assert.Contains(t, alertCodes(res.Alerts), "CV_RISK_HIGH")
	assert.Contains(t, alertCodes(res.Alerts), "POLYPHARMACY")
	assert.Equal(t, HighestSeverity(res.Alerts), res.HighestSeverity)
	assert.Len(t, res.Evidence, 2)
	assert.Equal(t, []string{"Review blood pressure", "Review glycaemic control"}, res.ReasoningSteps)
	assert.Equal(t, "Cardiometabolic risk is high", res.Answer)
	assert.Equal(t, []string{"Start a statin"}, res.Recommendations)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
	assert.False(t, res.IsDegraded())
	assert.False(t, res.CompletedAt.Before(res.StartedAt))
}

func TestAnalysisOrchestrator_ConcurrentCallsShareOneComputation(t *testing.T) {
	logs := captureLogs(t)
	h := newOrchestratorHarness(t)
	h.generator.block = true
	h.generator.released = make(chan struct{})

	const callers = 10
	results := make([]*entities.AnalysisResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
		}()
	}

	require.Eventually(t, func() bool {
		h.generator.mu.Lock()
		defer h.generator.mu.Unlock()
		return h.generator.calls == 1
	}, 2*time.Second, time.Millisecond)
	close(h.generator.released)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, h.generator.calls)
	assert.EqualValues(t, 1, h.patients.loads.Load())
	assert.Equal(t, 1, strings.Count(logs.String(), "analysis computation started"))
}

func TestAnalysisOrchestrator_IdempotentResults(t *testing.T) {
	first, err := newOrchestratorHarness(t).service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)
	second, err := newOrchestratorHarness(t).service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)

	ignore := cmpopts.IgnoreFields(entities.AnalysisResult{}, "ID", "CorrelationID", "StartedAt", "CompletedAt")
	if diff := cmp.Diff(first, second, ignore, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("results differ (-first +second):\n%s", diff)
	}
}

func TestAnalysisOrchestrator_CachedWithinTTL(t *testing.T) {
	h := newOrchestratorHarness(t)

	first, err := h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)
	second, err := h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.generator.calls)

	other := fullOptions()
	other.IncludeReasoning = false
	third, err := h.service.AnalyzePatient(context.Background(), "p-1", other)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Empty(t, third.ReasoningSteps)
}

func TestAnalysisOrchestrator_EvidenceUnavailable(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.index.err = errors.New("index unreachable")

	res, err := h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)

	assert.True(t, res.Degraded.EvidenceUnavailable)
	assert.True(t, res.IsDegraded())
	assert.Empty(t, res.Evidence)
	assert.NotEmpty(t, res.Alerts)
	assert.NotEmpty(t, res.RiskScores.Scores)
	assert.Contains(t, res.Warnings, "evidence retrieval unavailable")
}

func TestAnalysisOrchestrator_ReasoningFailureFallsBackToAlertRecommendations(t *testing.T) {
	h := newOrchestratorHarness(t)
	h.generator.err = errors.New("generation service down")

	res, err := h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)

	assert.True(t, res.Degraded.ReasoningDegraded)
	assert.Empty(t, res.ReasoningSteps)
	assert.Contains(t, res.Recommendations, "Review blood pressure and lipid management")
	assert.Contains(t, res.Recommendations, "Consider deprescribing review")
}

func TestAnalysisOrchestrator_ReasoningSkippedWhenNotRequested(t *testing.T) {
	h := newOrchestratorHarness(t)

	res, err := h.service.AnalyzePatient(context.Background(), "p-1", entities.AnalysisOptions{Specialty: "cardiology"})
	require.NoError(t, err)

	assert.Zero(t, h.generator.calls)
	assert.Empty(t, res.ReasoningSteps)
	assert.Empty(t, res.Recommendations)
	assert.Empty(t, res.Answer)
	assert.NotEmpty(t, res.Alerts)
}

func TestAnalysisOrchestrator_UnknownSpecialtyFallsBack(t *testing.T) {
	h := newOrchestratorHarness(t)
	bundle := cardiometabolicBundle("p-3")
	bundle.Conditions = []entities.Condition{{Code: "S62", Display: "Fractured wrist", Status: "active"}}

	res, err := h.service.AnalyzeBundle(context.Background(), bundle, entities.AnalysisOptions{Specialty: "dermatology"})
	require.NoError(t, err)

	assert.True(t, res.Degraded.AdapterFallback)
	assert.Equal(t, []string{entities.GenericAdapterID}, res.AdapterIDs())
	assert.NotEmpty(t, res.Alerts)
}

func TestAnalysisOrchestrator_DataUnavailableNotCached(t *testing.T) {
	h := newOrchestratorHarness(t)

	_, err := h.service.AnalyzePatient(context.Background(), "missing", fullOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))

	_, err = h.service.AnalyzePatient(context.Background(), "missing", fullOptions())
	require.Error(t, err)
	assert.EqualValues(t, 2, h.patients.loads.Load())
	assert.Zero(t, h.cache.Len())
}

func TestAnalysisOrchestrator_InvalidBundleRejected(t *testing.T) {
	h := newOrchestratorHarness(t)
	bundle := cardiometabolicBundle("p-9")
	bundle.Demographics.Age = nil

	_, err := h.service.AnalyzeBundle(context.Background(), bundle, fullOptions())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeDataUnavailable, apperrors.TypeOf(err))
	assert.Zero(t, h.generator.calls)
}

func TestAnalysisOrchestrator_NotificationFailureIsolated(t *testing.T) {
	broken := &recordingChannel{name: "webhook", failures: -1}
	healthy := &recordingChannel{name: "log"}
	h := newOrchestratorHarness(t, broken, healthy)

	res, err := h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.Close(context.Background()))

	assert.False(t, res.IsDegraded())
	require.Len(t, healthy.delivered(), 1)
	assert.Equal(t, res.CorrelationID, healthy.delivered()[0].CorrelationID)
	assert.Equal(t, uint64(1), h.dispatcher.Stats()["webhook"].Failed)
}

func TestAnalysisOrchestrator_CorrelationIDFromContext(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := observability.WithCorrelationID(context.Background(), "corr-42")

	res, err := h.service.AnalyzePatient(ctx, "p-1", fullOptions())
	require.NoError(t, err)
	assert.Equal(t, "corr-42", res.CorrelationID)
}

func TestAnalysisService_FeedbackLeavesUnrelatedResultsUntouched(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	a, err := h.service.AnalyzePatient(ctx, "p-1", fullOptions())
	require.NoError(t, err)
	endo := fullOptions()
	endo.Specialty = "endocrinology"
	b, err := h.service.AnalyzePatient(ctx, "p-2", endo)
	require.NoError(t, err)

	ack, err := h.service.SubmitFeedback(ctx, entities.FeedbackEvent{
		ResultID:       a.ID,
		Type:           entities.FeedbackCorrection,
		CorrectionText: "Blood pressure is already controlled",
	})
	require.NoError(t, err)
	assert.Equal(t, entities.FeedbackStatusQueued, ack.Status)
	require.NoError(t, h.learner.Close(ctx))

	stats, ok := h.learner.BucketStats("cardiology")
	require.True(t, ok)
	assert.Equal(t, 1, stats.Components["adapter:cardiology"].Corrections)
	_, ok = h.learner.BucketStats("endocrinology")
	assert.False(t, ok)

	again, err := h.service.AnalyzePatient(ctx, "p-2", endo)
	require.NoError(t, err)
	assert.Same(t, b, again)
}

func TestAnalysisService_SubmitFeedbackUnknownResult(t *testing.T) {
	h := newOrchestratorHarness(t)

	_, err := h.service.SubmitFeedback(context.Background(), entities.FeedbackEvent{ResultID: "nope", Type: entities.FeedbackPositive})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnknownFeedbackTarget))
}

func TestAnalysisService_ClearCacheForcesRecompute(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	first, err := h.service.AnalyzePatient(ctx, "p-1", fullOptions())
	require.NoError(t, err)
	require.NoError(t, h.service.ClearCache(ctx))

	second, err := h.service.AnalyzePatient(ctx, "p-1", fullOptions())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, h.generator.calls)
}

func TestAnalysisService_GetAdapterStatus(t *testing.T) {
	h := newOrchestratorHarness(t)

	_, err := h.service.AnalyzePatient(context.Background(), "p-1", fullOptions())
	require.NoError(t, err)

	statuses := h.service.GetAdapterStatus()
	byID := make(map[string]entities.AdapterStatus, len(statuses))
	for _, s := range statuses {
		byID[s.ID] = s
	}
	require.Contains(t, byID, "cardiology")
	assert.True(t, byID["cardiology"].Loaded)
	assert.Zero(t, byID["cardiology"].InUse)
}

func TestFingerprint(t *testing.T) {
	base := fullOptions()
	assert.Equal(t, Fingerprint("p-1", base), Fingerprint("p-1", base))
	assert.Len(t, Fingerprint("p-1", base), 64)

	variants := []entities.AnalysisOptions{base, base, base, base}
	variants[0].Specialty = "nephrology"
	variants[1].IncludeRecommendations = false
	variants[2].IncludeReasoning = false
	variants[3].QueryType = entities.QueryTypeDiagnostic
	for _, v := range variants {
		assert.NotEqual(t, Fingerprint("p-1", base), Fingerprint("p-1", v))
	}
	assert.NotEqual(t, Fingerprint("p-1", base), Fingerprint("p-2", base))

	upper := base
	upper.Specialty = "  CARDIOLOGY "
	assert.Equal(t, Fingerprint("p-1", base), Fingerprint("p-1", upper))
}

func TestBundleFingerprint(t *testing.T) {
	base := fullOptions()
	bundle := cardiometabolicBundle("p-1")

	key, err := BundleFingerprint(bundle, base)
	require.NoError(t, err)
	again, err := BundleFingerprint(cardiometabolicBundle("p-1"), base)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Len(t, key, 64)
	assert.NotEqual(t, Fingerprint("p-1", base), key)

	edited := cardiometabolicBundle("p-1")
	edited.Medications = medications(2)
	editedKey, err := BundleFingerprint(edited, base)
	require.NoError(t, err)
	assert.NotEqual(t, key, editedKey)
}

func TestAnalysisOrchestrator_InlineBundleDoesNotServePatientLookups(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	forged := &entities.PatientBundle{ID: "p-1", Demographics: entities.Demographics{Age: intPtr(20), Sex: "male"}}
	inline, err := h.service.AnalyzeBundle(ctx, forged, fullOptions())
	require.NoError(t, err)
	assert.NotContains(t, alertCodes(inline.Alerts), "CV_RISK_HIGH")

	stored, err := h.service.AnalyzePatient(ctx, "p-1", fullOptions())
	require.NoError(t, err)

	assert.NotEqual(t, inline.ID, stored.ID)
	assert.NotEqual(t, inline.Fingerprint, stored.Fingerprint)
	assert.Equal(t, int32(1), h.patients.loads.Load())
	assert.Contains(t, alertCodes(stored.Alerts), "CV_RISK_HIGH")
}

func TestAnalysisOrchestrator_FeedbackOnResultRestoredFromSharedCache(t *testing.T) {
	l2 := newMemoryCacheProvider()
	first := newSharedL2Harness(t, l2)
	second := newSharedL2Harness(t, l2)
	ctx := context.Background()

	computed, err := first.service.AnalyzePatient(ctx, "p-1", fullOptions())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l2.has("analysis:" + computed.Fingerprint) }, time.Second, 5*time.Millisecond)

	restored, err := second.service.AnalyzePatient(ctx, "p-1", fullOptions())
	require.NoError(t, err)
	assert.Equal(t, computed.ID, restored.ID)
	assert.Equal(t, int32(0), second.patients.loads.Load())

	ack, err := second.service.SubmitFeedback(ctx, entities.FeedbackEvent{ResultID: restored.ID, Type: entities.FeedbackPositive})
	require.NoError(t, err)
	assert.Equal(t, entities.FeedbackStatusQueued, ack.Status)
}
