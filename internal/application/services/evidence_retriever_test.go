package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

type fixedWeights map[string]float64

func (w fixedWeights) SourceWeight(source string) float64 {
	if v, ok := w[source]; ok {
		return v
	}
	return 1
}

// failingQueryIndex fails only for the listed queries.
type failingQueryIndex struct {
	mu     sync.Mutex
	hits   map[string][]entities.SearchHit
	failOn map[string]bool
}

func (f *failingQueryIndex) Search(ctx context.Context, query string, limit int) ([]entities.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[query] {
		return nil, errors.New("shard unavailable")
	}
	return f.hits[query], nil
}

func TestEvidenceRetriever_DedupeRankAndTruncate(t *testing.T) {
	index := &stubIndex{hits: map[string][]entities.SearchHit{
		"Essential hypertension": {
			{Text: "ACE inhibitors lower BP", SourceID: "pm-1", Source: "pubmed", Score: 0.7},
			{Text: "Salt restriction", SourceID: "gl-2", Source: "guideline", Score: 0.6},
		},
		"Type 2 diabetes mellitus": {
			{Text: "Metformin first line", SourceID: "pm-1", Source: "pubmed", Score: 0.9},
			{Text: "No source id", Score: 0.99},
			{Text: "SGLT2 inhibitors", SourceID: "pm-3", Source: "pubmed", Score: 0.6},
		},
	}}
	r := NewEvidenceRetriever(index, nil)

	res := r.Retrieve(context.Background(), EvidenceRequest{
		Conditions: cardioConditions(),
		Limit:      2,
	})

	require.False(t, res.Unavailable)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "pm-1", res.Items[0].SourceID)
	assert.Equal(t, 0.9, res.Items[0].Relevance)
	assert.Equal(t, "Metformin first line", res.Items[0].Text)
	// 0.6 tie broken by source id
	assert.Equal(t, "gl-2", res.Items[1].SourceID)
}

func TestEvidenceRetriever_SourceWeightsScaleRelevance(t *testing.T) {
	index := &stubIndex{hits: map[string][]entities.SearchHit{
		"Essential hypertension": {
			{SourceID: "pm-1", Source: "pubmed", Score: 0.8},
			{SourceID: "gl-1", Source: "guideline", Score: 0.5},
		},
	}}
	r := NewEvidenceRetriever(index, fixedWeights{"pubmed": 0.5, "guideline": 3})

	res := r.Retrieve(context.Background(), EvidenceRequest{
		Conditions: []entities.Condition{{Display: "Essential hypertension"}},
	})

	require.Len(t, res.Items, 2)
	assert.Equal(t, "gl-1", res.Items[0].SourceID)
	assert.Equal(t, 1.0, res.Items[0].Relevance, "clamped to 1")
	assert.InDelta(t, 0.4, res.Items[1].Relevance, 1e-9)
	for _, item := range res.Items {
		assert.GreaterOrEqual(t, item.Relevance, 0.0)
		assert.LessOrEqual(t, item.Relevance, 1.0)
	}
}

func TestEvidenceRetriever_QueriesConditionsMedicationsAndQuestion(t *testing.T) {
	index := &stubIndex{}
	r := NewEvidenceRetriever(index, nil)

	res := r.Retrieve(context.Background(), EvidenceRequest{
		Conditions:  append(cardioConditions(), entities.Condition{Display: "essential HYPERTENSION"}),
		Medications: []entities.Medication{{Name: "lisinopril"}, {Name: "metformin"}},
		Question:    "Is an SGLT2 inhibitor indicated?",
	})

	assert.Equal(t, 4, res.Queries)
	assert.ElementsMatch(t, []string{
		"Essential hypertension",
		"Type 2 diabetes mellitus",
		"interactions lisinopril metformin",
		"Is an SGLT2 inhibitor indicated?",
	}, index.queries)
	assert.Empty(t, res.Items)
	assert.False(t, res.Unavailable)
}

func TestEvidenceRetriever_AllQueriesFail(t *testing.T) {
	r := NewEvidenceRetriever(&stubIndex{err: errors.New("connection refused")}, nil)

	res := r.Retrieve(context.Background(), EvidenceRequest{Conditions: cardioConditions()})

	assert.True(t, res.Unavailable)
	assert.Empty(t, res.Items)
	assert.ErrorIs(t, res.Err, apperrors.ErrEvidenceDegraded)
}

func TestEvidenceRetriever_PartialFailure(t *testing.T) {
	index := &failingQueryIndex{
		hits: map[string][]entities.SearchHit{
			"Type 2 diabetes mellitus": {{SourceID: "pm-1", Score: 0.5}},
		},
		failOn: map[string]bool{"Essential hypertension": true},
	}
	r := NewEvidenceRetriever(index, nil)

	res := r.Retrieve(context.Background(), EvidenceRequest{Conditions: cardioConditions()})

	assert.False(t, res.Unavailable)
	assert.True(t, res.Partial)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 1)
}

func TestEvidenceRetriever_NoIndexConfigured(t *testing.T) {
	res := NewEvidenceRetriever(nil, nil).Retrieve(context.Background(), EvidenceRequest{Conditions: cardioConditions()})
	assert.True(t, res.Unavailable)
}

func TestBreakerIndex_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &stubIndex{err: errors.New("timeout")}
	b := NewBreakerIndex(inner, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := b.Search(context.Background(), "q", 1)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Search(context.Background(), "q", 1)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerGenerator_PreservesPartialText(t *testing.T) {
	inner := &stubGenerator{response: "Step 1: partial", err: context.DeadlineExceeded}
	b := NewBreakerGenerator(inner, BreakerConfig{})

	text, err := b.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "Step 1: partial", text)
}
