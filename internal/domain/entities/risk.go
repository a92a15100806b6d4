package entities

import "sort"

// RiskScoreSet holds the named risk scores for one analysis. Every score is in [0,1].
type RiskScoreSet struct {
	Scores            map[string]float64 `json:"scores"`
	Polypharmacy      bool               `json:"polypharmacy"`
	ActiveMedications int                `json:"active_medications"`
	MedicationBurden  float64            `json:"medication_burden"`
}

// Names returns the risk types in sorted order.
func (r RiskScoreSet) Names() []string {
	names := make([]string, 0, len(r.Scores))
	for name := range r.Scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
