package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ehrbridge/hl7fhir/internal/identity"
)

// ProcessingConfig is the strict JSON document at HL7V2_TO_FHIR_CONFIG.
// Unlike the ambient viper-loaded Config, unknown keys here are rejected
// outright: this file drives identity resolution and preprocessing, and a
// silently-ignored typo would misroute patient identity or desync the
// converter's required-segment behavior.
type ProcessingConfig struct {
	IdentitySystem IdentitySystemConfig           `json:"identitySystem"`
	Messages       map[string]MessageTypeConfig   `json:"messages"`
}

type IdentitySystemConfig struct {
	Patient PatientIdentityConfig `json:"patient"`
}

type PatientIdentityConfig struct {
	Rules []RawMatchRule `json:"rules"`
}

// RawMatchRule mirrors identity.MatchRule's wire shape. An MPI-lookup rule
// shape isn't modeled here: the bridge has no MPI lookup dependency to
// ground an implementation on, so only the MatchRule variant is accepted;
// an MPI-shaped entry (only "mpiLookup" set) is rejected at load time same
// as any other unrecognized rule.
type RawMatchRule struct {
	Assigner string `json:"assigner"`
	Type     string `json:"type"`
	Any      bool   `json:"any"`
}

type MessageTypeConfig struct {
	Preprocess map[string]map[string][]string `json:"preprocess"`
	Converter  map[string]ConverterFieldConfig `json:"converter"`
}

type ConverterFieldConfig struct {
	Required bool `json:"required"`
}

// LoadProcessingConfig reads and strictly decodes the JSON config at path,
// validates every rule is non-trivial and every preprocessor id against
// identity's registry. The identity Resolver and the per-message-type
// converter settings are derived from the result by BuildResolver and
// PV1Required.
func LoadProcessingConfig(path string) (*ProcessingConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var pc ProcessingConfig
	if err := dec.Decode(&pc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if len(pc.IdentitySystem.Patient.Rules) == 0 {
		return nil, fmt.Errorf("config: identitySystem.patient.rules must be non-empty")
	}
	for i, r := range pc.IdentitySystem.Patient.Rules {
		if !r.Any && r.Assigner == "" && r.Type == "" {
			return nil, fmt.Errorf("config: identitySystem.patient.rules[%d] has no assigner, type, or any", i)
		}
	}

	for msgType, mc := range pc.Messages {
		for segment, fields := range mc.Preprocess {
			for field, ids := range fields {
				for _, id := range ids {
					if _, err := identity.LookupPreprocessor(id); err != nil {
						return nil, fmt.Errorf("config: messages.%s.preprocess.%s.%s: %w", msgType, segment, field, err)
					}
				}
			}
		}
	}

	return &pc, nil
}

// BuildResolver converts the parsed rule list and a flattened preprocessor
// map into an identity.Resolver ready for use by the converter kernel.
func (pc *ProcessingConfig) BuildResolver() (*identity.Resolver, error) {
	rules := make([]identity.MatchRule, 0, len(pc.IdentitySystem.Patient.Rules))
	for _, r := range pc.IdentitySystem.Patient.Rules {
		rules = append(rules, identity.MatchRule{Assigner: r.Assigner, Type: r.Type, Any: r.Any})
	}

	bySegment := make(map[string][]string)
	for _, mc := range pc.Messages {
		for segment, fields := range mc.Preprocess {
			for _, ids := range fields {
				bySegment[segment] = append(bySegment[segment], ids...)
			}
		}
	}
	chain, err := identity.NewPreprocessorChain(bySegment)
	if err != nil {
		return nil, err
	}

	return identity.NewResolver(rules, chain), nil
}

// PV1Required reports whether messages of msgType require a PV1 segment,
// from messages.{TYPE}.converter.PV1.required; defaults to true when
// unspecified, so a missing PV1 is a fatal parse condition unless the
// config explicitly relaxes it.
func (pc *ProcessingConfig) PV1Required(msgType string) bool {
	mc, ok := pc.Messages[msgType]
	if !ok {
		return true
	}
	fc, ok := mc.Converter["PV1"]
	if !ok {
		return true
	}
	return fc.Required
}
