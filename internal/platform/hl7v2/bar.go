package hl7v2

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BarAccount is the resource graph the BAR builder assembles from a FHIR
// Invoice before handing it to GenerateBAR: the Invoice's subject Patient,
// its Account, the Encounter reached via ChargeItem context, the
// Conditions and Coverages tied to the Patient, the Procedures reached via
// ChargeItem service, the Organizations the Coverages' payors resolve to,
// and the guarantors (RelatedPersons referenced from Invoice.participant).
type BarAccount struct {
	Patient    map[string]interface{}
	Encounter  map[string]interface{}
	Conditions []map[string]interface{}
	Procedures []map[string]interface{}
	Guarantors []map[string]interface{}
	Coverages  []BarCoverage
}

// BarCoverage pairs a FHIR Coverage with the Organization it resolves to
// through Coverage.payor, so buildIN1 never has to chase the reference
// itself.
type BarCoverage struct {
	Coverage     map[string]interface{}
	Organization map[string]interface{}
}

// GenerateBAR builds a BAR^P01/P05/P06 message for the given account graph.
// evnAt is EVN-2: the account's servicePeriod.start for P01, .end for P06,
// or the current time for P05 — the caller decides which, since only it
// knows which trigger is firing.
func GenerateBAR(event string, apps MSHApps, evnAt time.Time, account BarAccount) ([]byte, error) {
	if account.Patient == nil {
		return nil, fmt.Errorf("hl7v2: account patient is required")
	}
	if event != "P01" && event != "P05" && event != "P06" {
		return nil, fmt.Errorf("hl7v2: unsupported BAR event %q", event)
	}

	var segments []string

	segments = append(segments, buildMSH(apps, "BAR", event, time.Now().UTC()))
	segments = append(segments, buildEVN(event, evnAt))
	segments = append(segments, buildPID(account.Patient))

	if account.Encounter != nil {
		segments = append(segments, buildPV1(account.Encounter))
	}

	for i, cond := range account.Conditions {
		segments = append(segments, buildDG1(i+1, cond))
	}

	for i, proc := range account.Procedures {
		segments = append(segments, buildPR1(i+1, proc))
	}

	for i, guarantor := range account.Guarantors {
		segments = append(segments, buildGT1(i+1, guarantor))
	}

	sortedCoverages := sortCoveragesByOrder(account.Coverages)
	for i, cov := range sortedCoverages {
		segments = append(segments, buildIN1(i+1, cov))
	}

	return []byte(strings.Join(segments, "\r")), nil
}

func sortCoveragesByOrder(coverages []BarCoverage) []BarCoverage {
	sorted := make([]BarCoverage, len(coverages))
	copy(sorted, coverages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return coverageOrder(sorted[i].Coverage) < coverageOrder(sorted[j].Coverage)
	})
	return sorted
}

func coverageOrder(coverage map[string]interface{}) int {
	if v, ok := coverage["order"]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}

// buildDG1 constructs a DG1 (diagnosis) segment from a FHIR Condition.
//
// DG1-1 = Set ID
// DG1-2 = Diagnosis Coding Method
// DG1-3 = Diagnosis Code (CE: code^description^system)
// DG1-5 = Diagnosis Date/Time (onset, falling back to recordedDate)
// DG1-6 = Diagnosis Type (A=admitting, W=working, F=final)
func buildDG1(setID int, condition map[string]interface{}) string {
	code, display, system := "", "", ""
	if coded, ok := getNestedMap(condition, "code"); ok {
		if codings, ok := getArray(coded, "coding"); ok && len(codings) > 0 {
			if c, ok := codings[0].(map[string]interface{}); ok {
				if v, ok := getString(c, "code"); ok {
					code = escapeHL7(v)
				}
				if v, ok := getString(c, "display"); ok {
					display = escapeHL7(v)
				}
				if v, ok := getString(c, "system"); ok {
					system = mapFHIRSystemToShort(v)
				}
			}
		}
	}

	date := ""
	if v, ok := getString(condition, "onsetDateTime"); ok {
		date = convertFHIRDateTimeToHL7(v)
	} else if v, ok := getString(condition, "recordedDate"); ok {
		date = convertFHIRDateTimeToHL7(v)
	}

	diagType := diagnosisType(condition)

	return fmt.Sprintf("DG1|%d|%s|%s^%s^%s||%s|%s",
		setID, system, code, display, system, date, diagType)
}

// diagnosisType maps a Condition's category to the HL7v2 diagnosis type
// code, defaulting to "F" (final) for conditions carrying no category.
func diagnosisType(condition map[string]interface{}) string {
	categories, ok := getArray(condition, "category")
	if !ok || len(categories) == 0 {
		return "F"
	}
	cat, ok := categories[0].(map[string]interface{})
	if !ok {
		return "F"
	}
	codings, ok := getArray(cat, "coding")
	if !ok || len(codings) == 0 {
		return "F"
	}
	c, ok := codings[0].(map[string]interface{})
	if !ok {
		return "F"
	}
	code, _ := getString(c, "code")
	switch code {
	case "encounter-diagnosis":
		return "W"
	case "admitting":
		return "A"
	default:
		return "F"
	}
}

// buildPR1 constructs a PR1 (procedures) segment from a FHIR Procedure.
//
// PR1-1 = Set ID
// PR1-2 = Procedure Coding Method
// PR1-3 = Procedure Code (CE: code^description^system)
// PR1-5 = Procedure Date/Time
func buildPR1(setID int, procedure map[string]interface{}) string {
	code, display, system := "", "", ""
	if coded, ok := getNestedMap(procedure, "code"); ok {
		if codings, ok := getArray(coded, "coding"); ok && len(codings) > 0 {
			if c, ok := codings[0].(map[string]interface{}); ok {
				if v, ok := getString(c, "code"); ok {
					code = escapeHL7(v)
				}
				if v, ok := getString(c, "display"); ok {
					display = escapeHL7(v)
				}
				if v, ok := getString(c, "system"); ok {
					system = mapFHIRSystemToShort(v)
				}
			}
		}
	}

	date := ""
	if v, ok := getString(procedure, "performedDateTime"); ok {
		date = convertFHIRDateTimeToHL7(v)
	}

	return fmt.Sprintf("PR1|%d|%s|%s^%s^%s||%s",
		setID, system, code, display, system, date)
}

// buildGT1 constructs a GT1 (guarantor) segment from a guarantor resource
// (a FHIR Patient or RelatedPerson that shares "name"/"address"/"telecom"
// wire shapes).
//
// GT1-1  = Set ID
// GT1-2  = Guarantor Number
// GT1-3  = Guarantor Name (family^given)
// GT1-11 = Guarantor Address
// GT1-12 = Guarantor Phone
func buildGT1(setID int, guarantor map[string]interface{}) string {
	guarantorNumber := ""
	if ids, ok := getArray(guarantor, "identifier"); ok && len(ids) > 0 {
		if id, ok := ids[0].(map[string]interface{}); ok {
			if v, ok := getString(id, "value"); ok {
				guarantorNumber = escapeHL7(v)
			}
		}
	}

	name := ""
	if names, ok := getArray(guarantor, "name"); ok && len(names) > 0 {
		if n, ok := names[0].(map[string]interface{}); ok {
			family, given := "", ""
			if f, ok := getString(n, "family"); ok {
				family = escapeHL7(f)
			}
			if givens, ok := getArray(n, "given"); ok && len(givens) > 0 {
				if g, ok := givens[0].(string); ok {
					given = escapeHL7(g)
				}
			}
			name = family + "^" + given
		}
	}

	address := ""
	if addrs, ok := getArray(guarantor, "address"); ok && len(addrs) > 0 {
		if addr, ok := addrs[0].(map[string]interface{}); ok {
			address = buildHL7Address(addr)
		}
	}

	phone := ""
	if telecoms, ok := getArray(guarantor, "telecom"); ok && len(telecoms) > 0 {
		if t, ok := telecoms[0].(map[string]interface{}); ok {
			if v, ok := getString(t, "value"); ok {
				phone = escapeHL7(v)
			}
		}
	}

	return fmt.Sprintf("GT1|%d|%s|%s|||%s||||||||||%s",
		setID, guarantorNumber, name, address, phone)
}

// buildIN1 constructs an IN1 (insurance) segment from a Coverage paired
// with its payor Organization. IN1-1's set id reflects the coverage's
// position in the caller's order-sorted list.
//
// IN1-1  = Set ID
// IN1-2  = Health Plan ID (Coverage.type)
// IN1-3  = Insurance Company ID (Organization id)
// IN1-4  = Insurance Company Name
// IN1-36 = Policy Number (Coverage.subscriberId)
func buildIN1(setID int, cov BarCoverage) string {
	planCode := ""
	if typeObj, ok := getNestedMap(cov.Coverage, "type"); ok {
		if codings, ok := getArray(typeObj, "coding"); ok && len(codings) > 0 {
			if c, ok := codings[0].(map[string]interface{}); ok {
				if v, ok := getString(c, "code"); ok {
					planCode = escapeHL7(v)
				}
			}
		}
	}

	companyID := ""
	companyName := ""
	if cov.Organization != nil {
		if v, ok := getString(cov.Organization, "id"); ok {
			companyID = escapeHL7(v)
		}
		if v, ok := getString(cov.Organization, "name"); ok {
			companyName = escapeHL7(v)
		}
	}

	policyNumber := ""
	if v, ok := getString(cov.Coverage, "subscriberId"); ok {
		policyNumber = escapeHL7(v)
	}

	fields := make([]string, 36)
	fields[0] = planCode
	fields[1] = companyID
	fields[2] = companyName
	fields[34] = policyNumber // IN1-36

	return fmt.Sprintf("IN1|%d|%s", setID, strings.Join(fields, "|"))
}
