package services

import (
	"math"
	"strings"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
)

// RiskScorer maps patient features to normalized risk scores.
// It performs no I/O and is safe for concurrent use.
type RiskScorer struct {
	models    []config.RiskModel
	threshold int
}

// NewRiskScorer creates a scorer over the configured risk models
func NewRiskScorer(cfg config.RiskConfig) *RiskScorer {
	models := make([]config.RiskModel, len(cfg.Models))
	copy(models, cfg.Models)
	return &RiskScorer{
		models:    models,
		threshold: cfg.PolypharmacyThreshold,
	}
}

// Score computes the risk score set for a bundle. A bundle missing required
// fields yields a DATA_UNAVAILABLE error.
func (s *RiskScorer) Score(bundle *entities.PatientBundle) (entities.RiskScoreSet, error) {
	if err := bundle.Validate(); err != nil {
		return entities.RiskScoreSet{}, err
	}

	conditions := bundle.ActiveConditions()
	medCount := len(bundle.ActiveMedications())
	smoker := bundle.IsSmoker()
	age := float64(bundle.Age())

	scores := make(map[string]float64, len(s.models))
	for _, m := range s.models {
		z := m.Intercept
		z += m.AgeWeight * math.Max(0, age-m.AgePivot) / 10
		z += matchedConditionWeight(m.ConditionWeights, conditions)
		if smoker {
			z += m.SmokingWeight
		}
		z += s.modelBurden(m, medCount)
		scores[m.Name] = logistic(z)
	}

	return entities.RiskScoreSet{
		Scores:            scores,
		Polypharmacy:      s.IsPolypharmacy(medCount),
		ActiveMedications: medCount,
		MedicationBurden:  s.MedicationBurden(medCount),
	}, nil
}

// IsPolypharmacy reports whether activeCount reaches the configured threshold.
func (s *RiskScorer) IsPolypharmacy(activeCount int) bool {
	return s.threshold > 0 && activeCount >= s.threshold
}

// MedicationBurden returns the mean medication-burden term across models for
// the given number of active medications.
func (s *RiskScorer) MedicationBurden(activeCount int) float64 {
	if len(s.models) == 0 {
		return 0
	}
	var total float64
	for _, m := range s.models {
		total += s.modelBurden(m, activeCount)
	}
	return total / float64(len(s.models))
}

func (s *RiskScorer) modelBurden(m config.RiskModel, activeCount int) float64 {
	burden := m.MedicationWeight * float64(activeCount)
	if s.IsPolypharmacy(activeCount) {
		burden += m.PolypharmacyIncrement
	}
	return burden
}

// matchedConditionWeight sums each keyword weight at most once when any active condition mentions it.
func matchedConditionWeight(weights map[string]float64, conditions []entities.Condition) float64 {
	var total float64
	for keyword, w := range weights {
		kw := strings.ToLower(keyword)
		for _, c := range conditions {
			if strings.Contains(c.SearchText(), kw) {
				total += w
				break
			}
		}
	}
	return total
}

func logistic(z float64) float64 {
	if math.IsNaN(z) {
		return 0
	}
	return clamp01(1 / (1 + math.Exp(-z)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
