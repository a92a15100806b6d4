package entities

import (
	"strings"
	"time"
)

// QueryType selects the reasoning template
type QueryType string

const (
	QueryTypeDiagnostic QueryType = "diagnostic"
	QueryTypeTreatment  QueryType = "treatment"
	QueryTypeGeneral    QueryType = "general"
)

// ParseQueryType normalizes a query type, defaulting to general.
func ParseQueryType(s string) QueryType {
	switch QueryType(strings.ToLower(strings.TrimSpace(s))) {
	case QueryTypeDiagnostic:
		return QueryTypeDiagnostic
	case QueryTypeTreatment:
		return QueryTypeTreatment
	}
	return QueryTypeGeneral
}

// SpecialtyAuto requests automatic specialty selection
const SpecialtyAuto = "auto"

// AnalysisOptions are the caller's request options
type AnalysisOptions struct {
	Specialty              string    `json:"specialty"`
	IncludeRecommendations bool      `json:"include_recommendations"`
	IncludeReasoning       bool      `json:"include_reasoning"`
	QueryType              QueryType `json:"query_type,omitempty"`
	Question               string    `json:"question,omitempty"`
}

// NormalizedSpecialty returns the lowercase specialty, "auto" when empty.
func (o AnalysisOptions) NormalizedSpecialty() string {
	s := strings.ToLower(strings.TrimSpace(o.Specialty))
	if s == "" {
		return SpecialtyAuto
	}
	return s
}

// StageFlags marks each pipeline stage that degraded
type StageFlags struct {
	AdapterFallback     bool `json:"adapter_fallback"`
	EvidenceUnavailable bool `json:"evidence_unavailable"`
	ReasoningDegraded   bool `json:"reasoning_degraded"`
	ReasoningTimedOut   bool `json:"reasoning_timed_out"`
}

// Any reports whether any stage degraded.
func (f StageFlags) Any() bool {
	return f.AdapterFallback || f.EvidenceUnavailable || f.ReasoningDegraded || f.ReasoningTimedOut
}

// AnalysisResult is the full output of one orchestration run.
// It is immutable once stored in the cache and may be shared by many callers.
type AnalysisResult struct {
	ID              string              `json:"id"`
	CorrelationID   string              `json:"correlation_id"`
	Fingerprint     string              `json:"fingerprint"`
	PatientID       string              `json:"patient_id"`
	Specialty       string              `json:"specialty"`
	QueryType       QueryType           `json:"query_type"`
	RiskScores      RiskScoreSet        `json:"risk_scores"`
	Alerts          []Alert             `json:"alerts"`
	HighestSeverity Severity            `json:"highest_severity"`
	Evidence        []EvidenceItem      `json:"evidence"`
	ReasoningSteps  []string            `json:"reasoning_steps,omitempty"`
	Answer          string              `json:"answer,omitempty"`
	Confidence      float64             `json:"confidence"`
	Recommendations []string            `json:"recommendations,omitempty"`
	Adapters        []AdapterDescriptor `json:"adapters"`
	Degraded        StageFlags          `json:"degraded"`
	Warnings        []string            `json:"warnings,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	CompletedAt     time.Time           `json:"completed_at"`
}

// IsDegraded reports whether the result is best-effort.
func (r *AnalysisResult) IsDegraded() bool {
	return r.Degraded.Any()
}

// AdapterIDs returns the ids of the adapters used.
func (r *AnalysisResult) AdapterIDs() []string {
	ids := make([]string, 0, len(r.Adapters))
	for _, a := range r.Adapters {
		ids = append(ids, a.ID)
	}
	return ids
}

// EvidenceSources returns the distinct source weight keys of the evidence in
// first-seen order. Items without a source are keyed by their source id.
func (r *AnalysisResult) EvidenceSources() []string {
	seen := make(map[string]struct{}, len(r.Evidence))
	var sources []string
	for _, e := range r.Evidence {
		key := EvidenceSourceKey(e.Source, e.SourceID)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sources = append(sources, key)
	}
	return sources
}
