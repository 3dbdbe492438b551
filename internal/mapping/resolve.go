package mapping

import (
	"context"
	"fmt"

	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
)

// MappingError reports a code-mapping miss: no ConceptMap, no matching
// group, or no matching element for a local code.
type MappingError struct {
	LocalCode    string
	LocalDisplay string
	LocalSystem  string
	MappingType  string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("no mapping for %s %q (system %s, type %s)", e.MappingType, e.LocalCode, e.LocalSystem, e.MappingType)
}

// SenderContext keys every ConceptMap and Task lookup by the message's
// sending application and facility.
type SenderContext struct {
	SendingApplication string
	SendingFacility    string
}

// Resolver resolves local codes to target codes against ConceptMap
// resources held in the external FHIR store.
type Resolver struct {
	fhir *fhirclient.Client
}

func NewResolver(fhir *fhirclient.Client) *Resolver {
	return &Resolver{fhir: fhir}
}

// Resolve looks up localCode under the group named localSystem in the
// ConceptMap keyed by sender+mappingType. On a hit it returns the first
// target's code and display. On any miss it returns a *MappingError, never
// a transport error wrapped as a miss — transport failures are returned as
// plain errors.
func (r *Resolver) Resolve(ctx context.Context, sender SenderContext, mappingType, localSystem, localCode, localDisplay string) (resolvedCode, resolvedDisplay string, err error) {
	cmID := ConceptMapID(sender.SendingApplication, sender.SendingFacility, mappingType)
	fetched, err := r.fhir.Read(ctx, "ConceptMap", cmID)
	if err != nil {
		return "", "", fmt.Errorf("fetch concept map %s: %w", cmID, err)
	}
	if fetched == nil {
		return "", "", &MappingError{LocalCode: localCode, LocalDisplay: localDisplay, LocalSystem: localSystem, MappingType: mappingType}
	}
	cm := ConceptMapFromFHIR(fetched.Resource)
	group := cm.FindGroup(localSystem)
	if group == nil {
		return "", "", &MappingError{LocalCode: localCode, LocalDisplay: localDisplay, LocalSystem: localSystem, MappingType: mappingType}
	}
	elem := group.FindElement(localCode)
	if elem == nil || len(elem.Targets) == 0 {
		return "", "", &MappingError{LocalCode: localCode, LocalDisplay: localDisplay, LocalSystem: localSystem, MappingType: mappingType}
	}
	return elem.Targets[0].Code, elem.Targets[0].Display, nil
}
