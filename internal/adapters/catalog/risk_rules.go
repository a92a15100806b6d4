package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
)

// LoadRiskConfig overlays the YAML rules file at path on base. An empty path returns base unchanged.
// Sections absent from the file keep their base values.
func LoadRiskConfig(path string, base config.RiskConfig) (config.RiskConfig, error) {
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read risk rules %s: %w", path, err)
	}
	return ParseRiskConfig(data, base)
}

// ParseRiskConfig decodes a rules document over base and validates the result.
// A threshold set through POLYPHARMACY_THRESHOLD wins over the document's.
func ParseRiskConfig(data []byte, base config.RiskConfig) (config.RiskConfig, error) {
	var doc struct {
		PolypharmacyThreshold *int                  `yaml:"polypharmacy_threshold"`
		Models                []config.RiskModel    `yaml:"models"`
		AlertRules            []config.AlertRule    `yaml:"alert_rules"`
		PolypharmacyAlert     *config.AlertTemplate `yaml:"polypharmacy_alert"`
		CriticalFlagAlert     *config.AlertTemplate `yaml:"critical_flag_alert"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return base, fmt.Errorf("failed to parse risk rules: %w", err)
	}

	out := base
	if doc.PolypharmacyThreshold != nil && !base.ThresholdFromEnv {
		out.PolypharmacyThreshold = *doc.PolypharmacyThreshold
	}
	if len(doc.Models) > 0 {
		out.Models = doc.Models
	}
	if len(doc.AlertRules) > 0 {
		out.AlertRules = doc.AlertRules
	}
	if doc.PolypharmacyAlert != nil {
		out.PolypharmacyAlert = *doc.PolypharmacyAlert
	}
	if doc.CriticalFlagAlert != nil {
		out.CriticalFlagAlert = *doc.CriticalFlagAlert
	}

	if err := ValidateRiskConfig(out); err != nil {
		return base, err
	}
	return out, nil
}

// ValidateRiskConfig checks that every alert rule targets a known model with a
// known severity and a threshold in [0,1].
func ValidateRiskConfig(cfg config.RiskConfig) error {
	if cfg.PolypharmacyThreshold < 1 {
		return fmt.Errorf("polypharmacy_threshold must be at least 1")
	}
	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("risk model name is required")
		}
		if _, dup := models[m.Name]; dup {
			return fmt.Errorf("risk model %s: duplicate name", m.Name)
		}
		models[m.Name] = struct{}{}
	}
	for _, r := range cfg.AlertRules {
		if _, ok := models[r.RiskType]; !ok {
			return fmt.Errorf("alert rule %s: unknown risk type %q", r.Code, r.RiskType)
		}
		if strings.TrimSpace(r.Code) == "" {
			return fmt.Errorf("alert rule for %s: code is required", r.RiskType)
		}
		if !knownSeverity(r.Severity) {
			return fmt.Errorf("alert rule %s: unknown severity %q", r.Code, r.Severity)
		}
		if r.Threshold < 0 || r.Threshold > 1 {
			return fmt.Errorf("alert rule %s: threshold must be in [0,1]", r.Code)
		}
	}
	for name, t := range map[string]config.AlertTemplate{"polypharmacy_alert": cfg.PolypharmacyAlert, "critical_flag_alert": cfg.CriticalFlagAlert} {
		if t.Code == "" || !knownSeverity(t.Severity) {
			return fmt.Errorf("%s needs a code and a known severity", name)
		}
	}
	return nil
}

func knownSeverity(s string) bool {
	return entities.Severity(strings.ToLower(strings.TrimSpace(s))).Rank() > 0
}
