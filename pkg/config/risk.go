package config

// RiskConfig holds the risk scoring models and alert rules.
// The default values are illustrative and carry no clinical authority.
type RiskConfig struct {
	RulesPath             string        `yaml:"-"`
	ThresholdFromEnv      bool          `yaml:"-"`
	PolypharmacyThreshold int           `yaml:"polypharmacy_threshold"`
	Models                []RiskModel   `yaml:"models"`
	AlertRules            []AlertRule   `yaml:"alert_rules"`
	PolypharmacyAlert     AlertTemplate `yaml:"polypharmacy_alert"`
	CriticalFlagAlert     AlertTemplate `yaml:"critical_flag_alert"`
}

// RiskModel is a weighted sum over normalized patient features passed through a logistic.
//
//	z = Intercept + AgeWeight*max(0, age-AgePivot)/10 + sum(ConditionWeights matched)
//	    + SmokingWeight*smoker + MedicationWeight*activeMeds + PolypharmacyIncrement*(activeMeds >= threshold)
type RiskModel struct {
	Name                  string             `yaml:"name"`
	Intercept             float64            `yaml:"intercept"`
	AgeWeight             float64            `yaml:"age_weight"`
	AgePivot              float64            `yaml:"age_pivot"`
	ConditionWeights      map[string]float64 `yaml:"condition_weights"`
	SmokingWeight         float64            `yaml:"smoking_weight"`
	MedicationWeight      float64            `yaml:"medication_weight"`
	PolypharmacyIncrement float64            `yaml:"polypharmacy_increment"`
}

// AlertRule raises an alert of Severity when the named risk score reaches Threshold.
type AlertRule struct {
	RiskType       string  `yaml:"risk_type"`
	Severity       string  `yaml:"severity"`
	Threshold      float64 `yaml:"threshold"`
	Code           string  `yaml:"code"`
	Message        string  `yaml:"message"`
	Recommendation string  `yaml:"recommendation"`
}

// AlertTemplate describes a fixed alert synthesized outside the threshold rules.
type AlertTemplate struct {
	Severity       string `yaml:"severity"`
	Code           string `yaml:"code"`
	Message        string `yaml:"message"`
	Recommendation string `yaml:"recommendation"`
}

// DefaultRiskConfig returns the built-in illustrative risk configuration.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		PolypharmacyThreshold: 5,
		Models: []RiskModel{
			{
				Name:      "cardiovascular",
				Intercept: -3.0,
				AgeWeight: 0.5,
				AgePivot:  40,
				ConditionWeights: map[string]float64{
					"hypertension":   1.2,
					"diabetes":       1.0,
					"hyperlipidemia": 0.7,
					"coronary":       1.5,
					"heart failure":  1.5,
				},
				SmokingWeight:         0.8,
				MedicationWeight:      0.1,
				PolypharmacyIncrement: 0.5,
			},
			{
				Name:      "metabolic",
				Intercept: -2.5,
				AgeWeight: 0.3,
				AgePivot:  45,
				ConditionWeights: map[string]float64{
					"diabetes":     1.6,
					"obesity":      0.9,
					"hypertension": 0.4,
					"kidney":       0.8,
				},
				SmokingWeight:         0.2,
				MedicationWeight:      0.05,
				PolypharmacyIncrement: 0.2,
			},
			{
				Name:      "medication_adverse_event",
				Intercept: -3.5,
				AgeWeight: 0.4,
				AgePivot:  65,
				ConditionWeights: map[string]float64{
					"kidney": 0.9,
					"liver":  0.9,
				},
				MedicationWeight:      0.25,
				PolypharmacyIncrement: 1.0,
			},
			{
				Name:      "readmission",
				Intercept: -3.2,
				AgeWeight: 0.35,
				AgePivot:  50,
				ConditionWeights: map[string]float64{
					"heart failure": 1.2,
					"copd":          1.0,
					"kidney":        0.6,
					"diabetes":      0.4,
				},
				SmokingWeight:         0.3,
				MedicationWeight:      0.08,
				PolypharmacyIncrement: 0.4,
			},
		},
		AlertRules: []AlertRule{
			{RiskType: "cardiovascular", Severity: "critical", Threshold: 0.9, Code: "CV_RISK_CRITICAL", Message: "Very high cardiovascular risk", Recommendation: "Arrange urgent cardiology review"},
			{RiskType: "cardiovascular", Severity: "high", Threshold: 0.6, Code: "CV_RISK_HIGH", Message: "High cardiovascular risk", Recommendation: "Review blood pressure and lipid management"},
			{RiskType: "cardiovascular", Severity: "medium", Threshold: 0.35, Code: "CV_RISK_MEDIUM", Message: "Elevated cardiovascular risk", Recommendation: "Reassess cardiovascular risk factors at next visit"},
			{RiskType: "metabolic", Severity: "high", Threshold: 0.65, Code: "METABOLIC_RISK_HIGH", Message: "High metabolic risk", Recommendation: "Check HbA1c and renal function"},
			{RiskType: "metabolic", Severity: "medium", Threshold: 0.4, Code: "METABOLIC_RISK_MEDIUM", Message: "Elevated metabolic risk", Recommendation: "Lifestyle counselling and glycaemic monitoring"},
			{RiskType: "medication_adverse_event", Severity: "high", Threshold: 0.6, Code: "ADE_RISK_HIGH", Message: "High risk of adverse drug event", Recommendation: "Perform a structured medication review"},
			{RiskType: "medication_adverse_event", Severity: "medium", Threshold: 0.35, Code: "ADE_RISK_MEDIUM", Message: "Elevated risk of adverse drug event", Recommendation: "Check for interacting medications"},
			{RiskType: "readmission", Severity: "high", Threshold: 0.6, Code: "READMISSION_RISK_HIGH", Message: "High readmission risk", Recommendation: "Schedule early follow-up after discharge"},
			{RiskType: "readmission", Severity: "low", Threshold: 0.3, Code: "READMISSION_RISK_LOW", Message: "Some readmission risk", Recommendation: ""},
		},
		PolypharmacyAlert: AlertTemplate{
			Severity:       "medium",
			Code:           "POLYPHARMACY",
			Message:        "Active medication count at or above the polypharmacy threshold",
			Recommendation: "Consider deprescribing review",
		},
		CriticalFlagAlert: AlertTemplate{
			Severity:       "critical",
			Code:           "CRITICAL_FLAG",
			Message:        "Critical clinical flag",
			Recommendation: "Review immediately",
		},
	}
}
