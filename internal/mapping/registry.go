package mapping

import "fmt"

// MappingTypeConfig is a static registry entry: for each supported mapping
// type, where the local code comes from, what FHIR field it feeds, and what
// code system the resolved code belongs to.
type MappingTypeConfig struct {
	Type              string
	SourceFieldLabel  string
	TargetFieldLabel  string
	TargetSystem      string
	ValidTargetCodes  map[string]bool // nil means open vocabulary (e.g. LOINC)
}

// registry is the closed, enumerated set of supported mapping types. Adding
// a new type is a deliberate edit here, never a runtime registration call —
// the converter's dispatch table in the pipeline package is closed the same
// way.
var registry = map[string]MappingTypeConfig{
	"observation-code-loinc": {
		Type:             "observation-code-loinc",
		SourceFieldLabel: "OBX-3",
		TargetFieldLabel: "Observation.code",
		TargetSystem:     "http://loinc.org",
		ValidTargetCodes: nil, // LOINC is an open vocabulary; any non-empty code accepted
	},
	"patient-class": {
		Type:             "patient-class",
		SourceFieldLabel: "PV1-2",
		TargetFieldLabel: "Encounter.class",
		TargetSystem:     "http://terminology.hl7.org/CodeSystem/v3-ActCode",
		ValidTargetCodes: encounterClassValues,
	},
	"obr-status": {
		Type:             "obr-status",
		SourceFieldLabel: "OBR-25",
		TargetFieldLabel: "DiagnosticReport.status",
		TargetSystem:     "http://hl7.org/fhir/diagnostic-report-status",
		ValidTargetCodes: diagnosticReportStatusValues,
	},
	"obx-status": {
		Type:             "obx-status",
		SourceFieldLabel: "OBX-11",
		TargetFieldLabel: "Observation.status",
		TargetSystem:     "http://hl7.org/fhir/observation-status",
		ValidTargetCodes: observationStatusValues,
	},
}

// legacyMappingTypeAliases is a closed backward-compatibility map for
// mapping type names renamed since this bridge's earlier configurations,
// consulted by ResolveMappingType on every registry lookup (Task building
// and Task resolution).
var legacyMappingTypeAliases = map[string]string{
	"local-to-loinc-mapping": "observation-code-loinc",
}

// ResolveMappingType normalizes a configured mapping type name through the
// legacy alias table, then looks it up in the closed registry.
func ResolveMappingType(name string) (MappingTypeConfig, error) {
	if canonical, ok := legacyMappingTypeAliases[name]; ok {
		name = canonical
	}
	cfg, ok := registry[name]
	if !ok {
		return MappingTypeConfig{}, fmt.Errorf("unknown mapping type: %s", name)
	}
	return cfg, nil
}

// Validate checks resolvedCode against mappingType's enumerated value set.
// Open vocabularies (ValidTargetCodes == nil) accept any non-empty code.
func Validate(mappingType, resolvedCode string) error {
	cfg, err := ResolveMappingType(mappingType)
	if err != nil {
		return err
	}
	if resolvedCode == "" {
		return fmt.Errorf("resolvedCode must not be empty")
	}
	if cfg.ValidTargetCodes == nil {
		return nil
	}
	if !cfg.ValidTargetCodes[resolvedCode] {
		return fmt.Errorf("%q is not a valid code for mapping type %q", resolvedCode, mappingType)
	}
	return nil
}

// TargetSystemForType returns the code system URI resolved codes for
// mappingType belong to.
func TargetSystemForType(mappingType string) (string, error) {
	cfg, err := ResolveMappingType(mappingType)
	if err != nil {
		return "", err
	}
	return cfg.TargetSystem, nil
}

// diagnosticReportStatusValues is DiagnosticReport.status's 10-value
// closed set. "partial" belongs here but not to Observation.
var diagnosticReportStatusValues = boolSet(
	"registered", "partial", "preliminary", "final",
	"amended", "corrected", "appended", "cancelled",
	"entered-in-error", "unknown",
)

// observationStatusValues is Observation.status's 8-value closed set.
// Notably excludes "partial", which only applies to DiagnosticReport.
var observationStatusValues = boolSet(
	"registered", "preliminary", "final", "amended",
	"corrected", "cancelled", "entered-in-error", "unknown",
)

// encounterClassValues is Encounter.class's 11-value v3-ActCode closed set.
var encounterClassValues = boolSet(
	"AMB", "EMER", "FLD", "HH", "IMP", "ACUTE",
	"NONAC", "OBSENC", "PRENC", "SS", "VR",
)

func boolSet(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
