package services

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
)

// AlertGenerator derives alerts from risk scores and raw clinical flags
type AlertGenerator struct {
	rules        map[string][]config.AlertRule
	polypharmacy config.AlertTemplate
	criticalFlag config.AlertTemplate
}

// NewAlertGenerator creates an alert generator from the configured rules
func NewAlertGenerator(cfg config.RiskConfig) *AlertGenerator {
	rules := make(map[string][]config.AlertRule)
	for _, r := range cfg.AlertRules {
		rules[r.RiskType] = append(rules[r.RiskType], r)
	}
	return &AlertGenerator{
		rules:        rules,
		polypharmacy: cfg.PolypharmacyAlert,
		criticalFlag: cfg.CriticalFlagAlert,
	}
}

// GenerateAlerts applies the threshold rules to scores and synthesizes direct
// alerts for polypharmacy and each raw critical flag. The result is
// deduplicated by code and ordered by severity, then code.
func (g *AlertGenerator) GenerateAlerts(scores entities.RiskScoreSet, flags []entities.ClinicalFlag) []entities.Alert {
	var alerts []entities.Alert

	for _, riskType := range scores.Names() {
		score := scores.Scores[riskType]
		if rule, ok := g.matchRule(riskType, score); ok {
			alerts = append(alerts, entities.Alert{
				Severity:       entities.ParseSeverity(rule.Severity),
				Code:           rule.Code,
				Message:        rule.Message,
				Recommendation: rule.Recommendation,
				RiskType:       riskType,
				Score:          score,
			})
		}
	}

	if scores.Polypharmacy && g.polypharmacy.Code != "" {
		alerts = append(alerts, entities.Alert{
			Severity:       entities.ParseSeverity(g.polypharmacy.Severity),
			Code:           g.polypharmacy.Code,
			Message:        fmt.Sprintf("%s (%d active)", g.polypharmacy.Message, scores.ActiveMedications),
			Recommendation: g.polypharmacy.Recommendation,
		})
	}

	for _, f := range flags {
		code := g.criticalFlag.Code
		if code == "" {
			code = "CRITICAL_FLAG"
		}
		alerts = append(alerts, entities.Alert{
			Severity:       entities.ParseSeverity(g.criticalFlag.Severity),
			Code:           code + "_" + normalizeCode(f.Code),
			Message:        fmt.Sprintf("%s: %s", g.criticalFlag.Message, f.Display),
			Recommendation: g.criticalFlag.Recommendation,
		})
	}

	return dedupeAlerts(alerts)
}

// matchRule returns the highest-severity rule of riskType whose threshold score reaches.
func (g *AlertGenerator) matchRule(riskType string, score float64) (config.AlertRule, bool) {
	var best config.AlertRule
	found := false
	for _, r := range g.rules[riskType] {
		if score < r.Threshold {
			continue
		}
		if !found || entities.ParseSeverity(r.Severity).Rank() > entities.ParseSeverity(best.Severity).Rank() {
			best = r
			found = true
		}
	}
	return best, found
}

// HighestSeverity reduces alerts to the maximum severity rank.
// An empty list yields info.
func HighestSeverity(alerts []entities.Alert) entities.Severity {
	highest := entities.SeverityInfo
	for _, a := range alerts {
		highest = entities.MaxSeverity(highest, a.Severity)
	}
	return highest
}

func dedupeAlerts(alerts []entities.Alert) []entities.Alert {
	byCode := make(map[string]int, len(alerts))
	out := make([]entities.Alert, 0, len(alerts))
	for _, a := range alerts {
		if i, ok := byCode[a.Code]; ok {
			if a.Severity.Rank() > out[i].Severity.Rank() {
				out[i] = a
			}
			continue
		}
		byCode[a.Code] = len(out)
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func normalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(code)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "UNKNOWN"
	}
	return b.String()
}
