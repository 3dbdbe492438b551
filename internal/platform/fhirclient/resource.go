// Package fhirclient is the bridge's HTTP client for the external FHIR
// store: an opaque HTTP-accessible store with transactional semantics,
// conditional writes, and optimistic-concurrency headers. The bridge never
// persists clinical or billing FHIR resources itself; every read and write
// of Patient, Encounter, Observation, ConceptMap, Task, Invoice, etc. goes
// through this client.
package fhirclient

import "time"

// Resource is the base FHIR resource envelope shared by every resource
// type this client reads or writes.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Quantity struct {
	Value      float64 `json:"value"`
	Comparator string  `json:"comparator,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	System     string  `json:"system,omitempty"`
	Code       string  `json:"code,omitempty"`
}

type Extension struct {
	URL          string    `json:"url"`
	ValueString  string    `json:"valueString,omitempty"`
	ValueCode    string    `json:"valueCode,omitempty"`
	ValueInteger *int      `json:"valueInteger,omitempty"`
	ValueDecimal *float64  `json:"valueDecimal,omitempty"`
	ValueDateTime *time.Time `json:"valueDateTime,omitempty"`
}

// OperationOutcome mirrors the diagnostic envelope the external store
// returns on error responses.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// FormatReference builds a relative "Type/id" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
