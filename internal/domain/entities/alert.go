package entities

import "strings"

// Severity is the alert severity. The total order is critical > high > medium > low > info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRanks = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// ParseSeverity normalizes a severity name. Unknown names map to info.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityRanks[sev]; ok {
		return sev
	}
	return SeverityInfo
}

// Rank returns the position in the total order; unknown values rank 0.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Alert is one clinical signal
type Alert struct {
	Severity       Severity `json:"severity"`
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
	RiskType       string   `json:"risk_type,omitempty"`
	Score          float64  `json:"score,omitempty"`
}
