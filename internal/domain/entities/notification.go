package entities

import "time"

// Notification is the payload fanned out to external channels after an analysis
type Notification struct {
	CorrelationID   string    `json:"correlation_id"`
	ResultID        string    `json:"result_id"`
	PatientID       string    `json:"patient_id"`
	Specialty       string    `json:"specialty"`
	HighestSeverity Severity  `json:"highest_severity"`
	AlertCodes      []string  `json:"alert_codes"`
	Degraded        bool      `json:"degraded"`
	Summary         string    `json:"summary"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChannelStats are delivery counters for one notification channel
type ChannelStats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}
