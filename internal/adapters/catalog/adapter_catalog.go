package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AdapterSpec describes one specialty adapter in the catalog file
type AdapterSpec struct {
	ID           string   `yaml:"id"`
	Specialties  []string `yaml:"specialties"`
	Keywords     []string `yaml:"keywords"`
	Instructions string   `yaml:"instructions"`
	Weight       float64  `yaml:"weight"`
	Disabled     bool     `yaml:"disabled"`
}

// AdapterCatalog is the set of adapters available to the registry
type AdapterCatalog struct {
	Adapters []AdapterSpec `yaml:"adapters"`
}

// LoadAdapterCatalog reads a YAML catalog. An empty path yields the built-in catalog.
func LoadAdapterCatalog(path string) (*AdapterCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultAdapterCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter catalog %s: %w", path, err)
	}
	return ParseAdapterCatalog(data)
}

// ParseAdapterCatalog decodes and validates a YAML catalog
func ParseAdapterCatalog(data []byte) (*AdapterCatalog, error) {
	var c AdapterCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse adapter catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ids are present and unique and weights are non-negative
func (c *AdapterCatalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Adapters))
	for i := range c.Adapters {
		a := &c.Adapters[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return fmt.Errorf("adapter %d: id is required", i)
		}
		if a.ID == "generic" {
			return fmt.Errorf("adapter id generic is reserved")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("adapter %s: duplicate id", a.ID)
		}
		seen[a.ID] = struct{}{}
		if len(a.Specialties) == 0 && len(a.Keywords) == 0 {
			return fmt.Errorf("adapter %s: needs at least one specialty or keyword", a.ID)
		}
		if a.Weight < 0 {
			return fmt.Errorf("adapter %s: weight must be non-negative", a.ID)
		}
		if a.Weight == 0 {
			a.Weight = 1
		}
	}
	return nil
}

// Enabled returns the adapters that are not disabled
func (c *AdapterCatalog) Enabled() []AdapterSpec {
	out := make([]AdapterSpec, 0, len(c.Adapters))
	for _, a := range c.Adapters {
		if !a.Disabled {
			out = append(out, a)
		}
	}
	return out
}

// DefaultAdapterCatalog returns the built-in specialty adapters
func DefaultAdapterCatalog() *AdapterCatalog {
	return &AdapterCatalog{Adapters: []AdapterSpec{
		{
			ID:           "cardiology",
			Specialties:  []string{"cardiology"},
			Keywords:     []string{"hypertension", "heart", "coronary", "atrial", "cardiac", "hyperlipidemia"},
			Instructions: "Reason as a {{specialty}} consultant. Weigh blood pressure, lipid and rhythm findings.",
			Weight:       1,
		},
		{
			ID:           "endocrinology",
			Specialties:  []string{"endocrinology"},
			Keywords:     []string{"diabetes", "thyroid", "obesity", "adrenal"},
			Instructions: "Reason as an endocrinologist. Focus on glycaemic control and metabolic complications.",
			Weight:       1,
		},
		{
			ID:           "nephrology",
			Specialties:  []string{"nephrology"},
			Keywords:     []string{"kidney", "renal", "nephropathy", "proteinuria"},
			Instructions: "Reason as a nephrologist. Consider renal dosing and progression of kidney disease.",
			Weight:       1,
		},
		{
			ID:           "pulmonology",
			Specialties:  []string{"pulmonology"},
			Keywords:     []string{"copd", "asthma", "pulmonary", "respiratory"},
			Instructions: "Reason as a pulmonologist. Consider exacerbation risk and inhaled therapy.",
			Weight:       1,
		},
		{
			ID:           "geriatrics",
			Specialties:  []string{"geriatrics"},
			Keywords:     []string{"dementia", "fall", "frailty", "osteoporosis"},
			Instructions: "Reason as a geriatrician. Weigh frailty, falls and deprescribing opportunities.",
			Weight:       1,
		},
	}}
}
