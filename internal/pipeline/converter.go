// Package pipeline implements the converter kernel: the closed dispatch
// table from inbound HL7v2 message type to a Converter, and the shared
// machinery every Converter uses to resolve patient identity, map local
// codes, and assemble a transaction Bundle keyed by deterministic resource
// ids.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrbridge/hl7fhir/internal/config"
	"github.com/ehrbridge/hl7fhir/internal/identity"
	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// Deps bundles the converter kernel's collaborators, built once at process
// startup and shared by every invocation of every Converter.
type Deps struct {
	Identity *identity.Resolver
	Mapping  *mapping.Resolver
	Config   *config.ProcessingConfig
}

// Result is what a Converter hands back to the inbound processor: either a
// Bundle ready to submit, or a set of MappingErrors accumulated across the
// whole message that must become Tasks instead.
type Result struct {
	Bundle        *fhirclient.Bundle
	PatientRef    string
	MappingErrors []*mapping.MappingError
	Warning       string
}

// Converter turns one parsed HL7v2 message into a Result. It never talks to
// the FHIR store directly — Resolve calls go through deps.Mapping, which
// owns that transport.
type Converter func(ctx context.Context, msg *hl7v2.Message, deps *Deps) (*Result, error)

var registry = map[string]Converter{
	"ADT^A01": convertADT,
	"ADT^A08": convertADT,
	"ORU^R01": convertORU,
	"ORM^O01": convertORM,
}

// Lookup returns the Converter registered for msgType, and false if the
// message type is not one of the four this bridge supports.
func Lookup(msgType string) (Converter, bool) {
	c, ok := registry[msgType]
	return c, ok
}

// requireHeader enforces the converter kernel's fatal-parse precondition:
// MSH-3, MSH-4, MSH-9, and MSH-10 must all be present.
func requireHeader(msg *hl7v2.Message) error {
	if msg.SendingApp == "" || msg.SendingFac == "" || msg.Type == "" || msg.ControlID == "" {
		return fmt.Errorf("pipeline: MSH-3/4/9/10 are all required, got sendingApp=%q sendingFac=%q type=%q controlId=%q",
			msg.SendingApp, msg.SendingFac, msg.Type, msg.ControlID)
	}
	return nil
}

func senderOf(msg *hl7v2.Message) mapping.SenderContext {
	return mapping.SenderContext{SendingApplication: msg.SendingApp, SendingFacility: msg.SendingFac}
}

// messageTags returns the two identifying tags every resource a converter
// writes carries: the originating message's id and type.
func messageTags(msg *hl7v2.Message) []map[string]interface{} {
	return []map[string]interface{}{
		{"system": "message-id", "code": msg.ControlID},
		{"system": "message-type", "code": msg.Type},
	}
}

func buildPatientResource(msg *hl7v2.Message, patientID string) map[string]interface{} {
	pid := msg.GetSegment("PID")
	family, given := msg.PatientName()
	res := map[string]interface{}{
		"resourceType": "Patient",
		"id":           patientID,
		"meta":         map[string]interface{}{"tag": messageTags(msg)},
	}
	if family != "" || given != "" {
		name := map[string]interface{}{}
		if family != "" {
			name["family"] = family
		}
		if given != "" {
			name["given"] = []string{given}
		}
		res["name"] = []interface{}{name}
	}
	if dob := msg.DateOfBirth(); len(dob) >= 8 {
		res["birthDate"] = fmt.Sprintf("%s-%s-%s", dob[0:4], dob[4:6], dob[6:8])
	}
	if gender := msg.Gender(); gender != "" {
		res["gender"] = mapHL7Gender(gender)
	}
	if pid != nil {
		if idRepeats := pid.GetFieldRepeats(3); len(idRepeats) > 0 {
			var ids []map[string]interface{}
			for _, rep := range idRepeats {
				if len(rep) > 0 && rep[0] != "" {
					ids = append(ids, map[string]interface{}{"value": rep[0]})
				}
			}
			if len(ids) > 0 {
				res["identifier"] = ids
			}
		}
	}
	return res
}

func mapHL7Gender(code string) string {
	switch code {
	case "M":
		return "male"
	case "F":
		return "female"
	case "O":
		return "other"
	default:
		return "unknown"
	}
}

// convertHL7DateTime converts an HL7v2 timestamp (YYYYMMDD[HHmmss]) to a
// FHIR dateTime string.
func convertHL7DateTime(s string) string {
	if len(s) >= 14 {
		if t, err := time.Parse("20060102150405", s[:14]); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	if len(s) >= 8 {
		if t, err := time.Parse("20060102", s[:8]); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// tasksOnlyResult builds the mapping-error outcome: a Tasks-only
// transaction bundle with no partial FHIR writes, the Patient reference
// still surfaced for the caller.
func tasksOnlyResult(sender mapping.SenderContext, patientRef string, errs []*mapping.MappingError) *Result {
	bundle := fhirclient.NewTransactionBundle()
	builder := mapping.NewBuilder()
	for _, task := range builder.Build(sender, errs) {
		bundle.PutDeterministic("Task", task.ID, task.ToFHIR())
	}
	return &Result{Bundle: bundle, PatientRef: patientRef, MappingErrors: errs}
}
