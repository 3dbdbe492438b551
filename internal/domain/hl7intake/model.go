// Package hl7intake is the bridge's own inbound message queue: the
// IncomingHL7v2Message entity that the MLLP listener writes to and the
// inbound processor loop drains from. It is the pipeline's private
// operational state, persisted in Postgres, distinct from the FHIR
// resources the converter kernel produces in the external store.
package hl7intake

import (
	"time"

	"github.com/google/uuid"
)

// Status values a message moves through. See StatusXxx constants for the
// closed set; transitions are monotone within one processing attempt but
// may return to StatusReceived when a blocking mapping Task resolves.
const (
	StatusReceived     = "received"
	StatusProcessed    = "processed"
	StatusWarning      = "warning"
	StatusMappingError = "mapping_error"
	StatusError        = "error"
)

// UnmappedCode is embedded by value in a Message whose status is
// mapping_error. It is transient: removed once its MappingTask resolves
// and the message is reprocessed.
type UnmappedCode struct {
	LocalCode    string `json:"localCode"`
	LocalDisplay string `json:"localDisplay,omitempty"`
	LocalSystem  string `json:"localSystem"`
	MappingTask  string `json:"mappingTask"` // "Task/<id>"
}

// Message is a queued incoming HL7v2 message tracked through its
// processing lifecycle.
type Message struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	ControlID     string         `db:"control_id" json:"controlId"`
	MessageType   string         `db:"message_type" json:"messageType"`
	RawMessage    string         `db:"raw_message" json:"rawMessage"`
	Status        string         `db:"status" json:"status"`
	ErrorReason   *string        `db:"error_reason" json:"errorReason,omitempty"`
	PatientRef    *string        `db:"patient_ref" json:"patientRef,omitempty"`
	BundleJSON    *string        `db:"bundle_json" json:"bundleJson,omitempty"`
	UnmappedCodes []UnmappedCode `db:"unmapped_codes" json:"unmappedCodes,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updatedAt"`
}

// NeedsMappingResolution reports whether m is currently blocked on one or
// more mapping Tasks.
func (m *Message) NeedsMappingResolution() bool {
	return m.Status == StatusMappingError && len(m.UnmappedCodes) > 0
}

// RefersTo reports whether m has an UnmappedCode entry referencing taskRef.
func (m *Message) RefersTo(taskRef string) bool {
	for _, uc := range m.UnmappedCodes {
		if uc.MappingTask == taskRef {
			return true
		}
	}
	return false
}

// RemoveUnmappedCode drops every UnmappedCode entry referencing taskRef
// (e.g. "Task/map-...") and reports whether the list is now empty.
func (m *Message) RemoveUnmappedCode(taskRef string) (empty bool) {
	kept := m.UnmappedCodes[:0]
	for _, uc := range m.UnmappedCodes {
		if uc.MappingTask != taskRef {
			kept = append(kept, uc)
		}
	}
	m.UnmappedCodes = kept
	return len(m.UnmappedCodes) == 0
}
