package entities

import "time"

// GenericAdapterID identifies the built-in fallback adapter
const GenericAdapterID = "generic"

// AdapterDescriptor is a snapshot of a specialty adapter as composed into one analysis
type AdapterDescriptor struct {
	ID          string   `json:"id"`
	Specialties []string `json:"specialties"`
	Weight      float64  `json:"weight"`
	Relevance   float64  `json:"relevance"`
	Loaded      bool     `json:"loaded"`
	Generic     bool     `json:"generic,omitempty"`
}

// AdapterStatus reports the registry state of one adapter
type AdapterStatus struct {
	ID          string    `json:"id"`
	Specialties []string  `json:"specialties"`
	Loaded      bool      `json:"loaded"`
	Weight      float64   `json:"weight"`
	InUse       int       `json:"in_use"`
	Active      bool      `json:"active"`
	LastUsed    time.Time `json:"last_used,omitempty"`
}
