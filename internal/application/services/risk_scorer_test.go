package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

func TestRiskScorer_ScoresWithinUnitInterval(t *testing.T) {
	scorer := NewRiskScorer(config.DefaultRiskConfig())

	bundles := []*entities.PatientBundle{
		{ID: "newborn", Demographics: entities.Demographics{Age: intPtr(0)}},
		{ID: "centenarian", Demographics: entities.Demographics{Age: intPtr(150), SmokingStatus: "current"},
			Conditions: []entities.Condition{
				{Display: "Hypertension"}, {Display: "Diabetes"}, {Display: "Coronary artery disease"},
				{Display: "Heart failure"}, {Display: "Chronic kidney disease"}, {Display: "COPD"},
			},
			Medications: medications(40),
		},
		cardiometabolicBundle("p-1"),
	}

	for _, b := range bundles {
		t.Run(b.ID, func(t *testing.T) {
			set, err := scorer.Score(b)
			require.NoError(t, err)
			require.Len(t, set.Scores, 4)
			for name, score := range set.Scores {
				assert.GreaterOrEqual(t, score, 0.0, name)
				assert.LessOrEqual(t, score, 1.0, name)
			}
		})
	}
}

func TestRiskScorer_Deterministic(t *testing.T) {
	scorer := NewRiskScorer(config.DefaultRiskConfig())

	first, err := scorer.Score(cardiometabolicBundle("p-1"))
	require.NoError(t, err)
	second, err := scorer.Score(cardiometabolicBundle("p-1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRiskScorer_CardiometabolicPatient(t *testing.T) {
	cfg := config.DefaultRiskConfig()
	scorer := NewRiskScorer(cfg)

	set, err := scorer.Score(cardiometabolicBundle("p-1"))
	require.NoError(t, err)

	assert.True(t, set.Polypharmacy)
	assert.Equal(t, 6, set.ActiveMedications)
	assert.InDelta(t, 0.8455, set.Scores["cardiovascular"], 0.001)

	alerts := NewAlertGenerator(cfg).GenerateAlerts(set, nil)
	assert.True(t, HighestSeverity(alerts).AtLeast(entities.SeverityHigh))
	assert.Contains(t, alertCodes(alerts), "CV_RISK_HIGH")
}

func TestRiskScorer_PolypharmacyThreshold(t *testing.T) {
	scorer := NewRiskScorer(config.DefaultRiskConfig())

	above := cardiometabolicBundle("p-1")
	above.Medications = medications(5)
	below := cardiometabolicBundle("p-1")
	below.Medications = medications(4)

	aboveSet, err := scorer.Score(above)
	require.NoError(t, err)
	belowSet, err := scorer.Score(below)
	require.NoError(t, err)

	assert.True(t, aboveSet.Polypharmacy)
	assert.False(t, belowSet.Polypharmacy)
	assert.Greater(t, aboveSet.MedicationBurden, belowSet.MedicationBurden)
	for name := range aboveSet.Scores {
		assert.Greater(t, aboveSet.Scores[name], belowSet.Scores[name], name)
	}
}

func TestRiskScorer_InactiveMedicationsIgnored(t *testing.T) {
	scorer := NewRiskScorer(config.DefaultRiskConfig())

	b := cardiometabolicBundle("p-1")
	for i := range b.Medications {
		b.Medications[i].Status = "stopped"
	}

	set, err := scorer.Score(b)
	require.NoError(t, err)
	assert.False(t, set.Polypharmacy)
	assert.Zero(t, set.ActiveMedications)
}

func TestRiskScorer_MissingAgeIsFatal(t *testing.T) {
	scorer := NewRiskScorer(config.DefaultRiskConfig())

	b := cardiometabolicBundle("p-1")
	b.Demographics.Age = nil

	_, err := scorer.Score(b)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func alertCodes(alerts []entities.Alert) []string {
	codes := make([]string, 0, len(alerts))
	for _, a := range alerts {
		codes = append(codes, a.Code)
	}
	return codes
}
