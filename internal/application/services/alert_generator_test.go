package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
)

func TestHighestSeverity(t *testing.T) {
	tests := []struct {
		name   string
		alerts []entities.Alert
		want   entities.Severity
	}{
		{
			name: "critical wins",
			alerts: []entities.Alert{
				{Severity: entities.SeverityMedium},
				{Severity: entities.SeverityCritical},
				{Severity: entities.SeverityLow},
			},
			want: entities.SeverityCritical,
		},
		{
			name:   "empty list is info",
			alerts: nil,
			want:   entities.SeverityInfo,
		},
		{
			name:   "single low",
			alerts: []entities.Alert{{Severity: entities.SeverityLow}},
			want:   entities.SeverityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HighestSeverity(tt.alerts))
		})
	}
}

func TestAlertGenerator_OneAlertPerRiskType(t *testing.T) {
	gen := NewAlertGenerator(config.DefaultRiskConfig())

	alerts := gen.GenerateAlerts(entities.RiskScoreSet{
		Scores: map[string]float64{"cardiovascular": 0.95},
	}, nil)

	require.Len(t, alerts, 1)
	assert.Equal(t, "CV_RISK_CRITICAL", alerts[0].Code)
	assert.Equal(t, entities.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "cardiovascular", alerts[0].RiskType)
}

func TestAlertGenerator_BelowAllThresholds(t *testing.T) {
	gen := NewAlertGenerator(config.DefaultRiskConfig())

	alerts := gen.GenerateAlerts(entities.RiskScoreSet{
		Scores: map[string]float64{"cardiovascular": 0.1, "metabolic": 0.1},
	}, nil)

	assert.Empty(t, alerts)
	assert.Equal(t, entities.SeverityInfo, HighestSeverity(alerts))
}

func TestAlertGenerator_FlagsAndPolypharmacy(t *testing.T) {
	gen := NewAlertGenerator(config.DefaultRiskConfig())

	flags := []entities.ClinicalFlag{
		{Code: "2823-3", Display: "Potassium", Source: "observation"},
		{Code: "2823-3", Display: "Potassium", Source: "observation"},
	}
	alerts := gen.GenerateAlerts(entities.RiskScoreSet{
		Scores:            map[string]float64{"cardiovascular": 0.4},
		Polypharmacy:      true,
		ActiveMedications: 7,
	}, flags)

	assert.Equal(t, []string{"CRITICAL_FLAG_2823_3", "CV_RISK_MEDIUM", "POLYPHARMACY"}, alertCodes(alerts))
	assert.Equal(t, entities.SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[2].Message, "7 active")
}

func TestAlertGenerator_DedupeKeepsHighestSeverity(t *testing.T) {
	cfg := config.DefaultRiskConfig()
	cfg.PolypharmacyAlert.Code = "CV_RISK_MEDIUM"
	cfg.PolypharmacyAlert.Severity = "low"
	gen := NewAlertGenerator(cfg)

	alerts := gen.GenerateAlerts(entities.RiskScoreSet{
		Scores:       map[string]float64{"cardiovascular": 0.4},
		Polypharmacy: true,
	}, nil)

	require.Len(t, alerts, 1)
	assert.Equal(t, entities.SeverityMedium, alerts[0].Severity)
}
