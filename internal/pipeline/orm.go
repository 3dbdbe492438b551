package pipeline

import (
	"context"
	"fmt"

	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// orderStatusValues maps ORC-1 order control codes to
// ServiceRequest.status, a closed translation local to this converter
// rather than a registry mapping type, since ORC-1 is a standard HL7
// table (0119) and not sender-specific local vocabulary.
var orderStatusValues = map[string]string{
	"NW": "active",
	"CA": "revoked",
	"CM": "completed",
	"DC": "revoked",
	"HD": "on-hold",
	"RP": "active",
	"SC": "active",
}

// convertORM turns an ORM^O01 message into a transaction bundle: one
// ServiceRequest per ORC/OBR pair, with an accompanying MedicationRequest
// when the order group carries an RXO (pharmacy order) segment.
func convertORM(ctx context.Context, msg *hl7v2.Message, deps *Deps) (*Result, error) {
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
	orderSetN := 0

	for _, seg := range msg.Segments {
		switch seg.Name {
		case "ORC":
			orderSetN++
			orderID := seg.GetField(2)
			if orderID == "" {
				orderID = seg.GetField(3)
			}
			if orderID == "" {
				orderID = fmt.Sprintf("%s-order-%d", patientID, orderSetN)
			} else {
				orderID = patientID + "-" + kebabControlID(orderID)
			}

			status := orderStatusValues[seg.GetField(1)]
			if status == "" {
				status = "unknown"
			}

			request := map[string]interface{}{
				"resourceType": "ServiceRequest",
				"id":           orderID,
				"meta":         map[string]interface{}{"tag": messageTags(msg)},
				"subject":      map[string]interface{}{"reference": patientRef},
				"status":       status,
				"intent":       "order",
			}
			bundle.PutDeterministic("ServiceRequest", orderID, request)

		case "OBR":
			// The OBR immediately following an ORC carries the ordered
			// test/procedure code; attach it to the most recently staged
			// ServiceRequest.
			code := map[string]interface{}{
				"coding": []map[string]interface{}{{
					"code":    seg.GetComponent(4, 1),
					"display": seg.GetComponent(4, 2),
				}},
			}
			attachServiceRequestCode(bundle, code)

		case "RXO":
			medID := fmt.Sprintf("%s-rxo-%d", patientID, orderSetN)
			med := map[string]interface{}{
				"resourceType": "MedicationRequest",
				"id":           medID,
				"meta":         map[string]interface{}{"tag": messageTags(msg)},
				"subject":      map[string]interface{}{"reference": patientRef},
				"status":       "active",
				"intent":       "order",
				"medicationCodeableConcept": map[string]interface{}{
					"coding": []map[string]interface{}{{
						"code":    seg.GetComponent(1, 1),
						"display": seg.GetComponent(1, 2),
					}},
				},
			}
			bundle.PutDeterministic("MedicationRequest", medID, med)
		}
	}

	if len(mappingErrs) > 0 {
		return tasksOnlyResult(sender, patientRef, mappingErrs), nil
	}

	return &Result{Bundle: bundle, PatientRef: patientRef}, nil
}

// attachServiceRequestCode finds the most recently staged ServiceRequest
// entry and sets its code, since OBR always follows the ORC it qualifies.
func attachServiceRequestCode(bundle *fhirclient.Bundle, code map[string]interface{}) {
	for i := len(bundle.Entry) - 1; i >= 0; i-- {
		if bundle.Entry[i].Resource["resourceType"] == "ServiceRequest" {
			bundle.Entry[i].Resource["code"] = code
			return
		}
	}
}
