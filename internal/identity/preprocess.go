package identity

import (
	"fmt"

	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// Preprocessor is a pure function run on a segment before identity
// resolution. It mutates the segment's fields in place; implementations
// never touch segments other than the one they're handed, except to read
// context off the full message (e.g. MSH-3/MSH-4).
type Preprocessor func(seg *hl7v2.Segment, msg *hl7v2.Message)

// preprocessorRegistry is the closed set of known preprocessor ids. The
// config loader validates every configured id against this registry at
// load time and rejects unknown ones.
var preprocessorRegistry = map[string]Preprocessor{
	"copy-pid2-to-pid3": copyPID2ToPID3,
	"inject-msh-authority-pv1-19": injectMSHAuthorityForPV119,
}

// LookupPreprocessor returns the named preprocessor, or an error if the id
// is not registered.
func LookupPreprocessor(id string) (Preprocessor, error) {
	p, ok := preprocessorRegistry[id]
	if !ok {
		return nil, fmt.Errorf("identity: unknown preprocessor id %q", id)
	}
	return p, nil
}

// PreprocessorChain maps (segment, field) to an ordered list of
// preprocessors to run before identity resolution reads that segment.
// Built once at config load and treated as read-only for the life of the
// process.
type PreprocessorChain struct {
	// keyed by segment name; field is informational only since every
	// current preprocessor operates on the whole segment.
	bySegment map[string][]Preprocessor
}

// NewPreprocessorChain validates every configured preprocessor id against
// the registry and returns a chain, or an error naming the first unknown id.
func NewPreprocessorChain(config map[string][]string) (*PreprocessorChain, error) {
	chain := &PreprocessorChain{bySegment: make(map[string][]Preprocessor)}
	for segment, ids := range config {
		for _, id := range ids {
			p, err := LookupPreprocessor(id)
			if err != nil {
				return nil, err
			}
			chain.bySegment[segment] = append(chain.bySegment[segment], p)
		}
	}
	return chain, nil
}

// Apply runs every preprocessor registered for seg.Name against seg, in
// configured order.
func (c *PreprocessorChain) Apply(msg *hl7v2.Message, seg *hl7v2.Segment) {
	if c == nil {
		return
	}
	for _, p := range c.bySegment[seg.Name] {
		p(seg, msg)
	}
}

// copyPID2ToPID3 migrates PID-2 into a PID-3 repeat when PID-3 has no
// repeat carrying an assigning authority (CX.4), for senders that only
// ever populate the legacy PID-2 field.
func copyPID2ToPID3(seg *hl7v2.Segment, _ *hl7v2.Message) {
	if seg.Name != "PID" {
		return
	}
	pid2 := seg.GetField(2)
	if pid2 == "" {
		return
	}
	for _, repeat := range seg.GetFieldRepeats(3) {
		if component(repeat, 4) != "" {
			return // already has an authority-bearing repeat
		}
	}
	idx := 2 // PID-3 is Fields[2] (0-based, non-MSH segment)
	newRepeat := []string{pid2}
	for len(seg.Fields) <= idx {
		seg.Fields = append(seg.Fields, hl7v2.Field{})
	}
	seg.Fields[idx].Repeats = append(seg.Fields[idx].Repeats, newRepeat)
	if seg.Fields[idx].Value == "" {
		seg.Fields[idx].Value = pid2
		seg.Fields[idx].Components = newRepeat
	}
}

// injectMSHAuthorityForPV119 sets PV1-19's CX.4 (assigning authority) to a
// sanitized "MSH-3-MSH-4" tag when the field lacks one, so Encounter ids
// carry sender provenance even when the source system never populates
// authority fields.
func injectMSHAuthorityForPV119(seg *hl7v2.Segment, msg *hl7v2.Message) {
	if seg.Name != "PV1" {
		return
	}
	idx := 18 // PV1-19 is Fields[18]
	for len(seg.Fields) <= idx {
		seg.Fields = append(seg.Fields, hl7v2.Field{})
	}
	f := &seg.Fields[idx]
	if len(f.Components) >= 4 && f.Components[3] != "" {
		return
	}
	authority := kebab(msg.SendingApp) + "-" + kebab(msg.SendingFac)
	for len(f.Components) < 5 {
		f.Components = append(f.Components, "")
	}
	f.Components[3] = authority
	if len(f.Repeats) == 0 {
		f.Repeats = [][]string{f.Components}
	} else {
		f.Repeats[0] = f.Components
	}
}
