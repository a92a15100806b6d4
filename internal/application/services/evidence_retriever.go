package services

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const (
	defaultEvidenceLimit     = 8
	maxConditionQueries      = 6
	maxMedicationQueryTerms  = 8
	evidenceQueryConcurrency = 4
)

// SourceWeighter returns the learned selection weight of an evidence source
type SourceWeighter interface {
	SourceWeight(source string) float64
}

// EvidenceRequest describes what to retrieve evidence for
type EvidenceRequest struct {
	Conditions  []entities.Condition
	Medications []entities.Medication
	Question    string
	Limit       int
}

// EvidenceResult is the outcome of one retrieval
type EvidenceResult struct {
	Items       []entities.EvidenceItem
	Unavailable bool
	Partial     bool
	Queries     int
	Failed      int
	Err         error
}

// EvidenceRetriever queries the knowledge index and ranks citable passages
type EvidenceRetriever struct {
	index   providers.KnowledgeIndex
	weights SourceWeighter
}

// NewEvidenceRetriever creates a retriever. weights may be nil.
func NewEvidenceRetriever(index providers.KnowledgeIndex, weights SourceWeighter) *EvidenceRetriever {
	return &EvidenceRetriever{index: index, weights: weights}
}

// Retrieve runs the condition, medication and question queries concurrently.
// Failures never propagate: when every query fails the result is empty and
// marked unavailable.
func (r *EvidenceRetriever) Retrieve(ctx context.Context, req EvidenceRequest) EvidenceResult {
	ctx, span := observability.StartSpan(ctx, "evidence.retrieve")
	defer span.End()

	limit := req.Limit
	if limit <= 0 {
		limit = defaultEvidenceLimit
	}

	if r.index == nil {
		return EvidenceResult{Unavailable: true, Err: apperrors.NewEvidenceDegradedError("knowledge index not configured", nil)}
	}

	queries := buildEvidenceQueries(req)
	if len(queries) == 0 {
		return EvidenceResult{}
	}

	hits := make([][]entities.SearchHit, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	g.SetLimit(evidenceQueryConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			res, err := r.index.Search(ctx, q, limit)
			if err != nil {
				errs[i] = err
				return nil
			}
			hits[i] = res
			return nil
		})
	}
	_ = g.Wait()

	result := EvidenceResult{Queries: len(queries)}
	var lastErr error
	for i, err := range errs {
		if err != nil {
			result.Failed++
			lastErr = err
			observability.LoggerFromContext(ctx).Warn().
				Err(err).
				Str("query", queries[i]).
				Msg("evidence query failed")
		}
	}

	if result.Failed == len(queries) {
		result.Unavailable = true
		result.Err = apperrors.NewEvidenceDegradedError("all evidence queries failed", lastErr)
		observability.RecordError(span, result.Err)
		return result
	}
	result.Partial = result.Failed > 0

	result.Items = r.rankHits(queries, hits, limit)
	return result
}

// rankHits deduplicates by source id keeping the best relevance and sorts by relevance then source id.
func (r *EvidenceRetriever) rankHits(queries []string, hits [][]entities.SearchHit, limit int) []entities.EvidenceItem {
	best := make(map[string]entities.EvidenceItem)
	for i, batch := range hits {
		for _, h := range batch {
			if h.SourceID == "" {
				continue
			}
			item := entities.EvidenceItem{
				Text:       h.Text,
				SourceID:   h.SourceID,
				Source:     h.Source,
				IndexScore: h.Score,
				Relevance:  clamp01(h.Score * r.sourceWeight(h)),
				Query:      queries[i],
			}
			if prev, ok := best[h.SourceID]; ok && prev.Relevance >= item.Relevance {
				continue
			}
			best[h.SourceID] = item
		}
	}

	items := make([]entities.EvidenceItem, 0, len(best))
	for _, item := range best {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Relevance != items[j].Relevance {
			return items[i].Relevance > items[j].Relevance
		}
		return items[i].SourceID < items[j].SourceID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (r *EvidenceRetriever) sourceWeight(h entities.SearchHit) float64 {
	if r.weights == nil {
		return 1
	}
	return r.weights.SourceWeight(entities.EvidenceSourceKey(h.Source, h.SourceID))
}

func buildEvidenceQueries(req EvidenceRequest) []string {
	seen := make(map[string]struct{})
	var queries []string
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" {
			return
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		queries = append(queries, q)
	}

	for _, c := range req.Conditions {
		if len(queries) >= maxConditionQueries {
			break
		}
		add(c.Label())
	}

	var meds []string
	for _, m := range req.Medications {
		if len(meds) >= maxMedicationQueryTerms {
			break
		}
		if label := strings.TrimSpace(m.Label()); label != "" {
			meds = append(meds, label)
		}
	}
	if len(meds) > 0 {
		add("interactions " + strings.Join(meds, " "))
	}

	add(req.Question)
	return queries
}
