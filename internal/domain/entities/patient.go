package entities

import (
	"fmt"
	"strings"

	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

const maxPatientAge = 150

// PatientBundle is a normalized clinical snapshot for one patient.
// It is supplied by the caller and treated as read-only for the lifetime of an analysis.
type PatientBundle struct {
	ID           string        `json:"id"`
	Demographics Demographics  `json:"demographics"`
	Conditions   []Condition   `json:"conditions"`
	Medications  []Medication  `json:"medications"`
	Observations []Observation `json:"observations"`
}

// Demographics holds the patient attributes used by risk scoring
type Demographics struct {
	Age           *int   `json:"age,omitempty"`
	Sex           string `json:"sex,omitempty"`
	SmokingStatus string `json:"smoking_status,omitempty"`
}

// Condition is a coded problem list entry
type Condition struct {
	Code     string `json:"code"`
	Display  string `json:"display"`
	Status   string `json:"status,omitempty"`
	Critical bool   `json:"critical,omitempty"`
}

// Medication is a medication statement or order
type Medication struct {
	Code   string `json:"code,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Observation is a lab result or vital sign
type Observation struct {
	Code           string  `json:"code"`
	Display        string  `json:"display,omitempty"`
	Value          float64 `json:"value"`
	Unit           string  `json:"unit,omitempty"`
	Interpretation string  `json:"interpretation,omitempty"`
}

// ClinicalFlag is a raw critical signal taken directly from the bundle
type ClinicalFlag struct {
	Code    string `json:"code"`
	Display string `json:"display"`
	Source  string `json:"source"`
}

// Validate checks the fields required for analysis.
func (b *PatientBundle) Validate() error {
	if b == nil {
		return apperrors.NewDataUnavailableError("patient bundle is required")
	}
	if strings.TrimSpace(b.ID) == "" {
		return apperrors.NewDataUnavailableError("patient id is required")
	}
	if b.Demographics.Age == nil {
		return apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: age is required", b.ID))
	}
	if age := *b.Demographics.Age; age < 0 || age > maxPatientAge {
		return apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: age %d out of range", b.ID, age))
	}
	for i, c := range b.Conditions {
		if strings.TrimSpace(c.Code) == "" && strings.TrimSpace(c.Display) == "" {
			return apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: condition %d has neither code nor display", b.ID, i))
		}
	}
	for i, m := range b.Medications {
		if strings.TrimSpace(m.Code) == "" && strings.TrimSpace(m.Name) == "" {
			return apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: medication %d has neither code nor name", b.ID, i))
		}
	}
	return nil
}

// Age returns the validated age. Callers must Validate first.
func (b *PatientBundle) Age() int {
	if b.Demographics.Age == nil {
		return 0
	}
	return *b.Demographics.Age
}

// IsSmoker reports whether the smoking status denotes current tobacco use.
func (b *PatientBundle) IsSmoker() bool {
	switch strings.ToLower(strings.TrimSpace(b.Demographics.SmokingStatus)) {
	case "current", "smoker", "current smoker", "current every day smoker", "current some day smoker":
		return true
	}
	return false
}

// ActiveConditions returns conditions whose clinical status is active.
func (b *PatientBundle) ActiveConditions() []Condition {
	out := make([]Condition, 0, len(b.Conditions))
	for _, c := range b.Conditions {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out
}

// ActiveMedications returns medications that are currently taken.
func (b *PatientBundle) ActiveMedications() []Medication {
	out := make([]Medication, 0, len(b.Medications))
	for _, m := range b.Medications {
		if m.IsActive() {
			out = append(out, m)
		}
	}
	return out
}

// ClinicalFlags extracts the raw critical flags: conditions marked critical and
// observations with a critical interpretation.
func (b *PatientBundle) ClinicalFlags() []ClinicalFlag {
	var flags []ClinicalFlag
	for _, c := range b.Conditions {
		if c.Critical && c.IsActive() {
			flags = append(flags, ClinicalFlag{Code: c.Key(), Display: c.Label(), Source: "condition"})
		}
	}
	for _, o := range b.Observations {
		switch strings.ToLower(strings.TrimSpace(o.Interpretation)) {
		case "critical", "hh", "ll", "panic":
			label := o.Display
			if label == "" {
				label = o.Code
			}
			flags = append(flags, ClinicalFlag{Code: o.Code, Display: label, Source: "observation"})
		}
	}
	return flags
}

// IsActive reports whether the condition is clinically active.
func (c Condition) IsActive() bool {
	switch strings.ToLower(strings.TrimSpace(c.Status)) {
	case "", "active", "recurrence", "relapse":
		return true
	}
	return false
}

// Key returns the code, falling back to the display text.
func (c Condition) Key() string {
	if c.Code != "" {
		return c.Code
	}
	return c.Display
}

// Label returns the display text, falling back to the code.
func (c Condition) Label() string {
	if c.Display != "" {
		return c.Display
	}
	return c.Code
}

// SearchText is the lowercase text used for keyword matching.
func (c Condition) SearchText() string {
	return strings.ToLower(c.Code + " " + c.Display)
}

// IsActive reports whether the medication is currently taken.
func (m Medication) IsActive() bool {
	switch strings.ToLower(strings.TrimSpace(m.Status)) {
	case "", "active", "intended", "on-hold":
		return true
	}
	return false
}

// Label returns the medication name, falling back to the code.
func (m Medication) Label() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Code
}
