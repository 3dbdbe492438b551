package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// convertORU turns an ORU^R01 message into a transaction bundle: one
// DiagnosticReport per OBR, one Observation per OBX linked through
// DiagnosticReport.result/Observation.partOf, NTE attaching to the
// preceding OBX's note[], and a Specimen shared across an OBR's OBX group
// when an SPM segment is present.
func convertORU(ctx context.Context, msg *hl7v2.Message, deps *Deps) (*Result, error) {
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

	var (
		reportID      string
		reportSetN    int
		specimenRef   string
		lastObsID     string
		obsInReport   int
	)

	for _, seg := range msg.Segments {
		switch seg.Name {
		case "OBR":
			reportSetN++
			obsInReport = 0
			specimenRef = ""
			obrID := seg.GetComponent(3, 1)
			if obrID == "" {
				obrID = seg.GetComponent(2, 1)
			}
			if obrID == "" {
				obrID = fmt.Sprintf("%s-obr-%d", patientID, reportSetN)
			}
			reportID = obrID

			statusCode := seg.GetField(25)
			resolvedStatus, _, merr := resolveOrError(ctx, deps, sender, "obr-status", "OBR-25", statusCode, "", &mappingErrs)
			if merr != nil {
				return nil, merr
			}
			if resolvedStatus == "" {
				resolvedStatus = "unknown"
			}

			report := map[string]interface{}{
				"resourceType": "DiagnosticReport",
				"id":           reportID,
				"meta":         map[string]interface{}{"tag": messageTags(msg)},
				"subject":      map[string]interface{}{"reference": patientRef},
				"status":       resolvedStatus,
				"code": map[string]interface{}{
					"coding": []map[string]interface{}{{
						"code":    seg.GetComponent(4, 1),
						"display": seg.GetComponent(4, 2),
					}},
				},
			}
			bundle.PutDeterministic("DiagnosticReport", reportID, report)

		case "SPM":
			specimenID := reportID + "-specimen"
			specimen := map[string]interface{}{
				"resourceType": "Specimen",
				"id":           specimenID,
				"meta":         map[string]interface{}{"tag": messageTags(msg)},
				"subject":      map[string]interface{}{"reference": patientRef},
				"type": map[string]interface{}{
					"coding": []map[string]interface{}{{
						"code":    seg.GetComponent(4, 1),
						"display": seg.GetComponent(4, 2),
					}},
				},
			}
			bundle.PutDeterministic("Specimen", specimenID, specimen)
			specimenRef = "Specimen/" + specimenID

		case "OBX":
			obsInReport++
			obsID := fmt.Sprintf("%s-obx-%d", reportID, obsInReport)
			lastObsID = obsID

			localCode := seg.GetComponent(3, 1)
			localDisplay := seg.GetComponent(3, 2)
			localSystem := seg.GetComponent(3, 3)
			if localSystem == "" {
				localSystem = "OBX-3"
			}
			resolvedCode, resolvedDisplay, merr := resolveOrError(ctx, deps, sender, "observation-code-loinc", localSystem, localCode, localDisplay, &mappingErrs)
			if merr != nil {
				return nil, merr
			}

			statusCode := seg.GetField(11)
			resolvedStatus, _, merr := resolveOrError(ctx, deps, sender, "obx-status", "OBX-11", statusCode, "", &mappingErrs)
			if merr != nil {
				return nil, merr
			}
			if resolvedStatus == "" {
				resolvedStatus = "unknown"
			}

			obs := map[string]interface{}{
				"resourceType": "Observation",
				"id":           obsID,
				"meta":         map[string]interface{}{"tag": messageTags(msg)},
				"subject":      map[string]interface{}{"reference": patientRef},
				"status":       resolvedStatus,
				"code": map[string]interface{}{
					"coding": []map[string]interface{}{{
						"system":  "http://loinc.org",
						"code":    resolvedCode,
						"display": resolvedDisplay,
					}},
				},
				"partOf": []map[string]interface{}{{"reference": "DiagnosticReport/" + reportID}},
			}
			if specimenRef != "" {
				obs["specimen"] = map[string]interface{}{"reference": specimenRef}
			}

			valueType := seg.GetField(2)
			rawValue := seg.GetField(5)
			switch valueType {
			case "NM":
				if f, err := strconv.ParseFloat(rawValue, 64); err == nil {
					obs["valueQuantity"] = map[string]interface{}{
						"value": f,
						"unit":  seg.GetField(6),
						"code":  seg.GetField(6),
					}
				} else {
					obs["valueString"] = rawValue
				}
			case "SN":
				obs["valueQuantity"] = map[string]interface{}{
					"comparator": seg.GetComponent(5, 1),
					"value":      seg.GetComponent(5, 2),
					"unit":       seg.GetField(6),
				}
			case "ST", "TX", "FT":
				obs["valueString"] = rawValue
			default:
				if rawValue != "" {
					obs["valueString"] = rawValue
				}
			}

			if refRange := seg.GetField(7); refRange != "" {
				obs["referenceRange"] = []map[string]interface{}{{"text": refRange}}
			}
			if interp := seg.GetField(8); interp != "" {
				obs["interpretation"] = []map[string]interface{}{{
					"coding": []map[string]interface{}{{"code": interp}},
				}}
			}

			bundle.PutDeterministic("Observation", obsID, obs)

			appendResultRef(bundle, reportID, "Observation/"+obsID)

		case "NTE":
			if lastObsID == "" {
				continue
			}
			text := seg.GetField(3)
			appendObservationNote(bundle, lastObsID, text)
		}
	}

	if len(mappingErrs) > 0 {
		return tasksOnlyResult(sender, patientRef, mappingErrs), nil
	}

	return &Result{Bundle: bundle, PatientRef: patientRef}, nil
}

// appendResultRef finds the DiagnosticReport entry already staged in
// bundle and appends obsRef to its result[] array, since PutDeterministic
// only ever appends new entries and the report was staged before its
// observations existed.
func appendResultRef(bundle *fhirclient.Bundle, reportID, obsRef string) {
	for i := range bundle.Entry {
		if bundle.Entry[i].Request.URL == "DiagnosticReport/"+reportID {
			res := bundle.Entry[i].Resource
			existing, _ := res["result"].([]map[string]interface{})
			res["result"] = append(existing, map[string]interface{}{"reference": obsRef})
			return
		}
	}
}

// appendObservationNote finds the Observation entry already staged in
// bundle and appends text to its note[] array. An empty text is a
// paragraph break per HL7v2 NTE convention: it still adds an entry so the
// break survives in note ordering.
func appendObservationNote(bundle *fhirclient.Bundle, obsID, text string) {
	for i := range bundle.Entry {
		if bundle.Entry[i].Request.URL == "Observation/"+obsID {
			res := bundle.Entry[i].Resource
			existing, _ := res["note"].([]map[string]interface{})
			res["note"] = append(existing, map[string]interface{}{"text": text})
			return
		}
	}
}
