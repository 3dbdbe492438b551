package mapping

import "fmt"

// Mapping Task status is a closed two-state vocabulary: a Task is either
// awaiting operator resolution or resolved.
const (
	TaskStatusRequested = "requested"
	TaskStatusCompleted = "completed"
	TaskIntentOrder      = "order"
)

var validMappingTaskStatuses = map[string]bool{
	TaskStatusRequested: true,
	TaskStatusCompleted: true,
}

// Task represents an unresolved (or resolved) local-code-to-FHIR mapping
// gap surfaced to an operator for manual resolution.
type Task struct {
	ID              string
	Status          string
	MappingType     string
	SendingApp      string
	SendingFacility string
	LocalSystem     string
	LocalCode       string
	LocalDisplay    string
	SourceField     string // e.g. "OBX-3"
	TargetField     string // e.g. "Observation.code"
	ResolvedCode    string
	ResolvedDisplay string
	ResolvedSystem  string
}

// TaskID computes the deterministic id
// map-{conceptMapId}-{hash(localSystem)}-{hash(localCode)}.
func TaskID(conceptMapID, localSystem, localCode string) string {
	return fmt.Sprintf("map-%s-%s-%s", conceptMapID, hashHex(localSystem), hashHex(localCode))
}

// ToFHIR renders the Task as a FHIR R4 Task resource body.
func (t *Task) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Task",
		"id":           t.ID,
		"status":       t.Status,
		"intent":       TaskIntentOrder,
		"code": map[string]interface{}{
			"coding": []map[string]interface{}{{"code": t.MappingType}},
		},
		"input": []map[string]interface{}{
			{"type": map[string]interface{}{"text": "sendingApplication"}, "valueString": t.SendingApp},
			{"type": map[string]interface{}{"text": "sendingFacility"}, "valueString": t.SendingFacility},
			{"type": map[string]interface{}{"text": "localCode"}, "valueString": t.LocalCode},
			{"type": map[string]interface{}{"text": "localDisplay"}, "valueString": t.LocalDisplay},
			{"type": map[string]interface{}{"text": "localSystem"}, "valueString": t.LocalSystem},
			{"type": map[string]interface{}{"text": "sourceField"}, "valueString": t.SourceField},
			{"type": map[string]interface{}{"text": "targetField"}, "valueString": t.TargetField},
		},
	}
	if t.Status == TaskStatusCompleted && t.ResolvedCode != "" {
		result["output"] = []map[string]interface{}{
			{
				"type": map[string]interface{}{"text": "Resolved mapping"},
				"valueCodeableConcept": map[string]interface{}{
					"coding": []map[string]interface{}{{
						"system":  t.ResolvedSystem,
						"code":    t.ResolvedCode,
						"display": t.ResolvedDisplay,
					}},
				},
			},
		}
	}
	return result
}

// TaskFromFHIR parses the subset of a FHIR Task resource this package needs
// back out of its wire JSON, using the same input[].type.text tagging
// ToFHIR wrote.
func TaskFromFHIR(res map[string]interface{}) *Task {
	t := &Task{
		ID:     stringField(res, "id"),
		Status: stringField(res, "status"),
	}
	if code, ok := res["code"].(map[string]interface{}); ok {
		if codings, ok := code["coding"].([]interface{}); ok && len(codings) > 0 {
			if c0, ok := codings[0].(map[string]interface{}); ok {
				t.MappingType = stringField(c0, "code")
			}
		}
	}
	inputs, _ := res["input"].([]interface{})
	for _, raw := range inputs {
		in, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := in["type"].(map[string]interface{})
		label := stringField(typ, "text")
		val := stringField(in, "valueString")
		switch label {
		case "sendingApplication":
			t.SendingApp = val
		case "sendingFacility":
			t.SendingFacility = val
		case "localCode":
			t.LocalCode = val
		case "localDisplay":
			t.LocalDisplay = val
		case "localSystem":
			t.LocalSystem = val
		case "sourceField":
			t.SourceField = val
		case "targetField":
			t.TargetField = val
		}
	}
	return t
}
