package pipeline

import (
	"context"
	"fmt"

	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// convertADT turns an ADT^A01/A08 message into a transaction bundle:
// PID→Patient, PV1→Encounter, DG1→Condition, AL1→AllergyIntolerance,
// IN1→Coverage, NK1→RelatedPerson.
func convertADT(ctx context.Context, msg *hl7v2.Message, deps *Deps) (*Result, error) {
	if err := requireHeader(msg); err != nil {
		return nil, err
	}

	patientID, err := deps.Identity.ResolvePatientID(msg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve patient id: %w", err)
	}
	patientRef := "Patient/" + patientID
	sender := senderOf(msg)

	bundle := fhirclient.NewTransactionBundle()
	bundle.PutDeterministic("Patient", patientID, buildPatientResource(msg, patientID))

	var mappingErrs []*mapping.MappingError
	var warning string
	var encounterRef string

	if pv1 := msg.GetSegment("PV1"); pv1 != nil {
		encounterID := patientID + "-" + kebabControlID(msg.ControlID)
		classCode := pv1.GetField(2)
		classCoded, classDisplay, merr := resolveOrError(ctx, deps, sender, "patient-class", "PV1-2", classCode, "", &mappingErrs)
		if merr != nil {
			return nil, merr
		}
		encounter := map[string]interface{}{
			"resourceType": "Encounter",
			"id":           encounterID,
			"meta":         map[string]interface{}{"tag": messageTags(msg)},
			"subject":      map[string]interface{}{"reference": patientRef},
			"status":       "unknown",
		}
		if classCoded != "" {
			encounter["class"] = map[string]interface{}{"code": classCoded, "display": classDisplay}
		}
		if identifier := pv1.GetField(19); identifier != "" {
			encounter["identifier"] = []map[string]interface{}{{"value": identifier}}
		}
		bundle.PutDeterministic("Encounter", encounterID, encounter)
		encounterRef = "Encounter/" + encounterID
	} else if deps.Config == nil || deps.Config.PV1Required(msg.Type) {
		return nil, fmt.Errorf("pipeline: PV1 segment required for %s but missing", msg.Type)
	} else {
		warning = "PV1 segment missing; conditions linked to patient only"
	}

	for i, dg1 := range msg.GetSegments("DG1") {
		id := fmt.Sprintf("%s-dg1-%d", patientID, i+1)
		condition := map[string]interface{}{
			"resourceType": "Condition",
			"id":           id,
			"meta":         map[string]interface{}{"tag": messageTags(msg)},
			"subject":      map[string]interface{}{"reference": patientRef},
			"code": map[string]interface{}{
				"coding": []map[string]interface{}{{
					"system":  mapFHIRSystem(dg1.GetComponent(3, 3)),
					"code":    dg1.GetComponent(3, 1),
					"display": dg1.GetComponent(3, 2),
				}},
			},
		}
		if encounterRef != "" {
			condition["encounter"] = map[string]interface{}{"reference": encounterRef}
		}
		if onset := dg1.GetField(5); onset != "" {
			condition["onsetDateTime"] = convertHL7DateTime(onset)
		}
		bundle.PutDeterministic("Condition", id, condition)
	}

	for i, al1 := range msg.GetSegments("AL1") {
		id := fmt.Sprintf("%s-al1-%d", patientID, i+1)
		allergy := map[string]interface{}{
			"resourceType": "AllergyIntolerance",
			"id":           id,
			"meta":         map[string]interface{}{"tag": messageTags(msg)},
			"patient":      map[string]interface{}{"reference": patientRef},
			"code": map[string]interface{}{
				"coding": []map[string]interface{}{{
					"code":    al1.GetComponent(3, 1),
					"display": al1.GetComponent(3, 2),
				}},
			},
		}
		if reaction := al1.GetField(5); reaction != "" {
			allergy["reaction"] = []map[string]interface{}{{
				"manifestation": []map[string]interface{}{{
					"coding": []map[string]interface{}{{"display": reaction}},
				}},
			}}
		}
		bundle.PutDeterministic("AllergyIntolerance", id, allergy)
	}

	for i, in1 := range msg.GetSegments("IN1") {
		id := fmt.Sprintf("%s-in1-%d", patientID, i+1)
		coverage := map[string]interface{}{
			"resourceType": "Coverage",
			"id":           id,
			"meta":         map[string]interface{}{"tag": messageTags(msg)},
			"beneficiary":  map[string]interface{}{"reference": patientRef},
			"order":        in1.GetField(1),
			"subscriberId": in1.GetField(36),
		}
		if planCode := in1.GetComponent(2, 1); planCode != "" {
			coverage["type"] = map[string]interface{}{
				"coding": []map[string]interface{}{{"code": planCode}},
			}
		}
		bundle.PutDeterministic("Coverage", id, coverage)
	}

	for i, nk1 := range msg.GetSegments("NK1") {
		id := fmt.Sprintf("%s-nk1-%d", patientID, i+1)
		related := map[string]interface{}{
			"resourceType": "RelatedPerson",
			"id":           id,
			"meta":         map[string]interface{}{"tag": messageTags(msg)},
			"patient":      map[string]interface{}{"reference": patientRef},
			"name": []map[string]interface{}{{
				"family": nk1.GetComponent(2, 1),
				"given":  []string{nk1.GetComponent(2, 2)},
			}},
		}
		if relationship := nk1.GetComponent(3, 1); relationship != "" {
			related["relationship"] = []map[string]interface{}{{
				"coding": []map[string]interface{}{{"code": relationship}},
			}}
		}
		bundle.PutDeterministic("RelatedPerson", id, related)
	}

	if len(mappingErrs) > 0 {
		return tasksOnlyResult(sender, patientRef, mappingErrs), nil
	}

	return &Result{Bundle: bundle, PatientRef: patientRef, Warning: warning}, nil
}

// resolveOrError calls the mapping resolver, appending any MappingError to
// errs and returning empty strings (so the caller can keep scanning the
// rest of the message), or returns a non-nil error when the resolver itself
// failed to reach the FHIR store. localSystem identifies the local coding
// system a ConceptMap group is keyed by: for a CE-typed field that's the
// code system named in its own third component (e.g. OBX-3's CE-3); for a
// table-valued field with no such component (PV1-2, OBR-25, OBX-11) the
// field itself is the only stable identifier for "where this code comes
// from", so callers pass the field label instead.
func resolveOrError(ctx context.Context, deps *Deps, sender mapping.SenderContext, mappingType, localSystem, localCode, localDisplay string, errs *[]*mapping.MappingError) (code, display string, err error) {
	if localCode == "" {
		return "", "", nil
	}
	code, display, rerr := deps.Mapping.Resolve(ctx, sender, mappingType, localSystem, localCode, localDisplay)
	if rerr == nil {
		return code, display, nil
	}
	var merr *mapping.MappingError
	if asMappingError(rerr, &merr) {
		*errs = append(*errs, merr)
		return "", "", nil
	}
	return "", "", rerr
}

func asMappingError(err error, target **mapping.MappingError) bool {
	me, ok := err.(*mapping.MappingError)
	if !ok {
		return false
	}
	*target = me
	return true
}

func mapFHIRSystem(shortCode string) string {
	switch shortCode {
	case "I9", "I9C":
		return "http://hl7.org/fhir/sid/icd-9-cm"
	case "I10", "I10C":
		return "http://hl7.org/fhir/sid/icd-10-cm"
	case "SCT":
		return "http://snomed.info/sct"
	case "LN":
		return "http://loinc.org"
	default:
		return shortCode
	}
}

func kebabControlID(controlID string) string {
	out := make([]byte, 0, len(controlID))
	for i := 0; i < len(controlID); i++ {
		c := controlID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c-'A'+'a')
		default:
			if len(out) > 0 && out[len(out)-1] != '-' {
				out = append(out, '-')
			}
		}
	}
	for len(out) > 0 && out[len(out)-1] == '-' {
		out = out[:len(out)-1]
	}
	return string(out)
}
