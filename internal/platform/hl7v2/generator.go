package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// MSHApps carries the four MSH sending/receiving identifiers used by every
// outbound message this package builds, populated from FHIR_APP/FHIR_FAC/
// BILLING_APP/BILLING_FAC.
type MSHApps struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
}

// buildMSH constructs an MSH segment header for the given message type,
// trigger event, and app identifiers, at version id 2.5.1 / processing id P.
func buildMSH(apps MSHApps, msgType, trigger string, now time.Time) string {
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("MSG%s", now.Format("20060102150405.000"))

	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||%s^%s|%s|P|2.5.1",
		apps.SendingApp, apps.SendingFac, apps.ReceivingApp, apps.ReceivingFac,
		timestamp, msgType, trigger, controlID)
}

// buildEVN constructs an EVN (event type) segment. EVN-2 is the caller's
// choice of timestamp (Account servicePeriod.start for P01, .end for P06,
// current time for P05), not necessarily "now".
func buildEVN(event string, at time.Time) string {
	return fmt.Sprintf("EVN|%s|%s", event, at.Format("20060102150405"))
}

// buildPID constructs a PID (patient identification) segment from a FHIR
// Patient resource.
func buildPID(patient map[string]interface{}) string {
	if patient == nil {
		return "PID|1"
	}

	// PID-3: Patient Identifier
	patientID := ""
	if ids, ok := getArray(patient, "identifier"); ok && len(ids) > 0 {
		if id, ok := ids[0].(map[string]interface{}); ok {
			if val, ok := getString(id, "value"); ok {
				patientID = escapeHL7(val)
			}
		}
	}

	// PID-5: Patient Name (family^given)
	patientName := ""
	if names, ok := getArray(patient, "name"); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]interface{}); ok {
			family := ""
			given := ""
			if f, ok := getString(name, "family"); ok {
				family = escapeHL7(f)
			}
			if givens, ok := getArray(name, "given"); ok && len(givens) > 0 {
				if g, ok := givens[0].(string); ok {
					given = escapeHL7(g)
				}
			}
			patientName = family + "^" + given
		}
	}

	// PID-7: Date of Birth
	dob := ""
	if birthDate, ok := getString(patient, "birthDate"); ok {
		dob = strings.ReplaceAll(birthDate, "-", "")
	}

	// PID-8: Gender
	gender := ""
	if g, ok := getString(patient, "gender"); ok {
		gender = mapFHIRGender(g)
	}

	// PID-11: Address
	address := ""
	if addrs, ok := getArray(patient, "address"); ok && len(addrs) > 0 {
		if addr, ok := addrs[0].(map[string]interface{}); ok {
			address = buildHL7Address(addr)
		}
	}

	// PID-13: Phone
	phone := ""
	if telecoms, ok := getArray(patient, "telecom"); ok && len(telecoms) > 0 {
		if t, ok := telecoms[0].(map[string]interface{}); ok {
			if val, ok := getString(t, "value"); ok {
				phone = escapeHL7(val)
			}
		}
	}

	return fmt.Sprintf("PID|1||%s||%s||%s|%s|||%s||%s",
		patientID, patientName, dob, gender, address, phone)
}

// buildPV1 constructs a PV1 (patient visit) segment from a FHIR Encounter
// resource. PV1-19 carries the Encounter's identifier.
func buildPV1(encounter map[string]interface{}) string {
	if encounter == nil {
		return "PV1|1"
	}

	patientClass := ""
	if classObj, ok := getNestedMap(encounter, "class"); ok {
		if code, ok := getString(classObj, "code"); ok {
			patientClass = mapEncounterClass(code)
		}
	}

	location := ""
	if locs, ok := getArray(encounter, "location"); ok && len(locs) > 0 {
		if loc, ok := locs[0].(map[string]interface{}); ok {
			if locRef, ok := getNestedMap(loc, "location"); ok {
				if disp, ok := getString(locRef, "display"); ok {
					location = escapeHL7(disp)
				}
			}
		}
	}

	attending := ""
	if participants, ok := getArray(encounter, "participant"); ok && len(participants) > 0 {
		if p, ok := participants[0].(map[string]interface{}); ok {
			if ind, ok := getNestedMap(p, "individual"); ok {
				if disp, ok := getString(ind, "display"); ok {
					attending = escapeHL7(disp)
				}
			}
		}
	}

	encounterID := ""
	if ids, ok := getArray(encounter, "identifier"); ok && len(ids) > 0 {
		if id, ok := ids[0].(map[string]interface{}); ok {
			if val, ok := getString(id, "value"); ok {
				encounterID = escapeHL7(val)
			}
		}
	} else if id, ok := getString(encounter, "id"); ok {
		encounterID = escapeHL7(id)
	}

	return fmt.Sprintf("PV1|1|%s|%s||||%s|||||||||||%s",
		patientClass, location, attending, encounterID)
}

// escapeHL7 escapes HL7 special characters in a string.
// The HL7 escape sequences are:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func escapeHL7(s string) string {
	// Escape backslash first to avoid double-escaping
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}

// ---- FHIR Map Accessor Helpers ----

// getString safely extracts a string from a map.
func getString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// getArray safely extracts a slice from a map.
func getArray(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.([]interface{})
	return arr, ok
}

// getNestedMap safely extracts a nested map from a map.
func getNestedMap(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]interface{})
	return nested, ok
}

// ---- Mapping Helpers ----

// mapFHIRGender converts a FHIR gender string to HL7v2 administrative sex code.
func mapFHIRGender(gender string) string {
	switch strings.ToLower(gender) {
	case "male":
		return "M"
	case "female":
		return "F"
	case "other":
		return "O"
	case "unknown":
		return "U"
	default:
		return "U"
	}
}

// mapEncounterClass maps a FHIR Encounter class code to HL7v2 patient class.
func mapEncounterClass(code string) string {
	switch strings.ToUpper(code) {
	case "IMP":
		return "I"
	case "AMB":
		return "O"
	case "EMER":
		return "E"
	default:
		return code
	}
}

// mapFHIRSystemToShort converts a FHIR code system URL to a short identifier.
func mapFHIRSystemToShort(system string) string {
	switch system {
	case "http://loinc.org":
		return "LN"
	case "http://snomed.info/sct":
		return "SCT"
	case "http://www.nlm.nih.gov/research/umls/rxnorm":
		return "RXNORM"
	case "http://hl7.org/fhir/sid/icd-10-cm":
		return "I10"
	default:
		return system
	}
}

// convertFHIRDateTimeToHL7 converts a FHIR datetime string to HL7v2 timestamp format.
func convertFHIRDateTimeToHL7(dt string) string {
	for _, layout := range []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, dt); err == nil {
			return t.Format("20060102150405")
		}
	}
	// Fallback: remove common separators
	result := strings.ReplaceAll(dt, "-", "")
	result = strings.ReplaceAll(result, "T", "")
	result = strings.ReplaceAll(result, ":", "")
	result = strings.ReplaceAll(result, "Z", "")
	return result
}

// buildHL7Address constructs an HL7v2 address string from a FHIR address map.
// Format: street^other^city^state^zip^country
func buildHL7Address(addr map[string]interface{}) string {
	street := ""
	if lines, ok := getArray(addr, "line"); ok && len(lines) > 0 {
		if line, ok := lines[0].(string); ok {
			street = escapeHL7(line)
		}
	}

	city := ""
	if c, ok := getString(addr, "city"); ok {
		city = escapeHL7(c)
	}

	state := ""
	if s, ok := getString(addr, "state"); ok {
		state = escapeHL7(s)
	}

	zip := ""
	if z, ok := getString(addr, "postalCode"); ok {
		zip = escapeHL7(z)
	}

	country := ""
	if c, ok := getString(addr, "country"); ok {
		country = escapeHL7(c)
	}

	return fmt.Sprintf("%s^^%s^%s^%s^%s", street, city, state, zip, country)
}
