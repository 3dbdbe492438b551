// Package mapping implements the code-mapping substrate: ConceptMap
// storage, mapping Task creation, and the Task-resolution coordinator, all
// backed by the external FHIR store through fhirclient.
package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ConceptMap is a deterministically-id'd resource holding source->target
// code groups. Groups/elements are nested rather than flattened because
// both the resolver's lookup and the coordinator's find-or-create logic
// operate on that nesting directly.
type ConceptMap struct {
	ID     string
	Groups []ConceptMapGroup
}

type ConceptMapGroup struct {
	Source   string // code system URI of the local/source codes in this group
	Elements []ConceptMapElement
}

type ConceptMapElement struct {
	Code    string
	Targets []ConceptMapTarget
}

type ConceptMapTarget struct {
	Code        string
	Display     string
	Equivalence string
}

// ConceptMapID computes the deterministic id
// hl7v2-{kebab(app)}-{kebab(facility)}-{mappingType}.
func ConceptMapID(sendingApp, sendingFacility, mappingType string) string {
	return fmt.Sprintf("hl7v2-%s-%s-%s", kebab(sendingApp), kebab(sendingFacility), mappingType)
}

// kebab lowercases s and replaces runs of non-alphanumeric characters
// with a single hyphen, trimming leading/trailing hyphens.
func kebab(s string) string {
	var b strings.Builder
	prevHyphen := true // suppress leading hyphen
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
	out := strings.TrimRight(b.String(), "-")
	return out
}

// FindGroup returns the group whose Source equals system, or nil.
func (cm *ConceptMap) FindGroup(system string) *ConceptMapGroup {
	for i := range cm.Groups {
		if cm.Groups[i].Source == system {
			return &cm.Groups[i]
		}
	}
	return nil
}

// FindOrCreateGroup returns the group for system, creating and appending
// one if absent.
func (cm *ConceptMap) FindOrCreateGroup(system string) *ConceptMapGroup {
	if g := cm.FindGroup(system); g != nil {
		return g
	}
	cm.Groups = append(cm.Groups, ConceptMapGroup{Source: system})
	return &cm.Groups[len(cm.Groups)-1]
}

// FindElement returns the element whose Code equals code, or nil.
func (g *ConceptMapGroup) FindElement(code string) *ConceptMapElement {
	for i := range g.Elements {
		if g.Elements[i].Code == code {
			return &g.Elements[i]
		}
	}
	return nil
}

// Upsert finds-or-inserts the element for code and replaces its target
// list; updating an existing element always replaces its target rather
// than appending to it.
func (g *ConceptMapGroup) Upsert(code string, target ConceptMapTarget) {
	if e := g.FindElement(code); e != nil {
		e.Targets = []ConceptMapTarget{target}
		return
	}
	g.Elements = append(g.Elements, ConceptMapElement{Code: code, Targets: []ConceptMapTarget{target}})
}

// ToFHIR renders the ConceptMap as a FHIR R4 ConceptMap resource JSON body.
func (cm *ConceptMap) ToFHIR() map[string]interface{} {
	groups := make([]map[string]interface{}, 0, len(cm.Groups))
	for _, g := range cm.Groups {
		elements := make([]map[string]interface{}, 0, len(g.Elements))
		for _, e := range g.Elements {
			targets := make([]map[string]interface{}, 0, len(e.Targets))
			for _, t := range e.Targets {
				targets = append(targets, map[string]interface{}{
					"code":        t.Code,
					"display":     t.Display,
					"equivalence": t.Equivalence,
				})
			}
			elements = append(elements, map[string]interface{}{
				"code":   e.Code,
				"target": targets,
			})
		}
		groups = append(groups, map[string]interface{}{
			"source":  g.Source,
			"element": elements,
		})
	}
	return map[string]interface{}{
		"resourceType": "ConceptMap",
		"id":           cm.ID,
		"status":       "active",
		"group":        groups,
	}
}

// ConceptMapFromFHIR parses a FHIR ConceptMap resource body into a ConceptMap.
func ConceptMapFromFHIR(res map[string]interface{}) *ConceptMap {
	cm := &ConceptMap{ID: stringField(res, "id")}
	groupsRaw, _ := res["group"].([]interface{})
	for _, gr := range groupsRaw {
		gm, ok := gr.(map[string]interface{})
		if !ok {
			continue
		}
		group := ConceptMapGroup{Source: stringField(gm, "source")}
		elemsRaw, _ := gm["element"].([]interface{})
		for _, er := range elemsRaw {
			em, ok := er.(map[string]interface{})
			if !ok {
				continue
			}
			elem := ConceptMapElement{Code: stringField(em, "code")}
			targetsRaw, _ := em["target"].([]interface{})
			for _, tr := range targetsRaw {
				tm, ok := tr.(map[string]interface{})
				if !ok {
					continue
				}
				elem.Targets = append(elem.Targets, ConceptMapTarget{
					Code:        stringField(tm, "code"),
					Display:     stringField(tm, "display"),
					Equivalence: stringField(tm, "equivalence"),
				})
			}
			group.Elements = append(group.Elements, elem)
		}
		cm.Groups = append(cm.Groups, group)
	}
	return cm
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

// hashHex returns a short, stable hex digest of s, used by mapping Task
// ids: map-{conceptMapId}-{hash(localSystem)}-{hash(localCode)}.
func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
