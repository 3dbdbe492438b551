// Package identity computes a stable Patient.id from PID-3 repeats by
// walking an ordered list of MatchRules, plus the preprocessor chain that
// normalizes segments before resolution runs.
package identity

import (
	"fmt"
	"strings"

	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// MatchRule selects a PID-3 repeat by its CX.4 (assigning authority)
// and/or CX.5 (identifier type), or unconditionally via Any.
type MatchRule struct {
	Assigner string
	Type     string
	Any      bool
}

// Tag derives the stable label used to build Patient.id, so the same
// logical identifier always produces the same id regardless of which
// repeat position it appeared in.
func (r MatchRule) Tag() string {
	switch {
	case r.Assigner != "" && r.Type != "":
		return kebab(r.Assigner) + "-" + kebab(r.Type)
	case r.Assigner != "":
		return kebab(r.Assigner)
	case r.Type != "":
		return kebab(r.Type)
	default:
		return "any"
	}
}

func (r MatchRule) matches(repeat []string) bool {
	// CX components: 1=ID, 2=check digit, 3=check digit scheme, 4=assigning authority, 5=identifier type code
	if r.Any {
		return true
	}
	authority := component(repeat, 4)
	idType := component(repeat, 5)
	if r.Assigner != "" && !strings.EqualFold(authority, r.Assigner) {
		return false
	}
	if r.Type != "" && !strings.EqualFold(idType, r.Type) {
		return false
	}
	return r.Assigner != "" || r.Type != ""
}

func component(repeat []string, idx1based int) string {
	idx := idx1based - 1
	if idx < 0 || idx >= len(repeat) {
		return ""
	}
	return repeat[idx]
}

// Resolver holds the ordered list of MatchRules loaded from the
// identitySystem.patient.rules config section, plus the preprocessor chain.
type Resolver struct {
	Rules        []MatchRule
	Preprocessor *PreprocessorChain
}

func NewResolver(rules []MatchRule, chain *PreprocessorChain) *Resolver {
	return &Resolver{Rules: rules, Preprocessor: chain}
}

// ResolvePatientID computes Patient.id from msg's PID segment: the first
// matching (rule, repeat) pair wins; falls through to PID-3.1 or PID-2
// verbatim; fails if neither yields a value.
func (r *Resolver) ResolvePatientID(msg *hl7v2.Message) (string, error) {
	pid := msg.GetSegment("PID")
	if pid == nil {
		return "", fmt.Errorf("identity: PID segment missing")
	}
	if r.Preprocessor != nil {
		r.Preprocessor.Apply(msg, pid)
	}

	repeats := pid.GetFieldRepeats(3)
	for _, rule := range r.Rules {
		for _, repeat := range repeats {
			if rule.matches(repeat) {
				value := component(repeat, 1)
				if value == "" {
					continue
				}
				return kebab(rule.Tag()) + "-" + kebab(value), nil
			}
		}
	}

	// Fallback: PID-3.1 verbatim, then PID-2.
	if v := pid.GetComponent(3, 1); v != "" {
		return kebab(v), nil
	}
	if v := pid.GetField(2); v != "" {
		return kebab(v), nil
	}
	return "", fmt.Errorf("identity: no rule matched and no fallback identifier present in PID-2/PID-3")
}

func kebab(s string) string {
	var b strings.Builder
	prevHyphen := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevHyphen = false
			continue
		}
		if !prevHyphen {
			b.WriteByte('-')
			prevHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
