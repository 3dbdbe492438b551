package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ehrbridge/hl7fhir/internal/identity"
	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
	"github.com/ehrbridge/hl7fhir/internal/platform/hl7v2"
)

// fakeStore is a minimal in-memory FHIR store backing httptest, just
// capable enough to serve Read() misses/hits for the mapping resolver.
type fakeStore struct {
	conceptMaps map[string]map[string]interface{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{conceptMaps: make(map[string]map[string]interface{})}
}

func (s *fakeStore) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "ConceptMap" {
			cm, ok := s.conceptMaps[parts[1]]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("ETag", `"1"`)
			json.NewEncoder(w).Encode(cm)
			return
		}
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Bundle", "type": "transaction-response"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func testDeps(baseURL string) *Deps {
	resolver := identity.NewResolver([]identity.MatchRule{{Any: true}}, nil)
	return &Deps{
		Identity: resolver,
		Mapping:  mapping.NewResolver(fhirclient.NewClient(baseURL, "")),
		Config:   nil,
	}
}

func mustParse(t *testing.T, raw string) *hl7v2.Message {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}

const adtA01 = "MSH|^~\\&|SENDER|FAC|BRIDGE|BRIDGEFAC|20240115143025||ADT^A01|MSG00001|P|2.5.1\r" +
	"PID|1||MRN12345||Doe^John||19800515|M\r" +
	"PV1|1|I||||||||||||||||||||||||||||||||||||||||ENC-1"

func TestConvertADT_NoPV1SegmentFatalByDefault(t *testing.T) {
	store := newFakeStore()
	server := store.server()
	defer server.Close()

	raw := "MSH|^~\\&|SENDER|FAC|BRIDGE|BRIDGEFAC|20240115143025||ADT^A01|MSG00002|P|2.5.1\r" +
		"PID|1||MRN12345||Doe^John||19800515|M"
	msg := mustParse(t, raw)

	_, err := convertADT(context.Background(), msg, testDeps(server.URL))
	if err == nil {
		t.Fatal("expected error when PV1 is missing and required defaults true")
	}
}

func TestConvertADT_UnmappedPatientClass_ProducesTasksOnlyBundle(t *testing.T) {
	store := newFakeStore()
	server := store.server()
	defer server.Close()

	msg := mustParse(t, adtA01)
	result, err := convertADT(context.Background(), msg, testDeps(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.MappingErrors) != 1 {
		t.Fatalf("expected exactly one mapping error for unmapped PV1-2=I, got %d", len(result.MappingErrors))
	}
	if result.PatientRef == "" {
		t.Error("expected patient ref to still be surfaced")
	}
	for _, entry := range result.Bundle.Entry {
		if entry.Resource["resourceType"] != "Task" {
			t.Errorf("expected Tasks-only bundle, found %v", entry.Resource["resourceType"])
		}
	}
}

func TestConvertADT_MappedPatientClass_EmitsEncounter(t *testing.T) {
	store := newFakeStore()
	cmID := mapping.ConceptMapID("SENDER", "FAC", "patient-class")
	store.conceptMaps[cmID] = map[string]interface{}{
		"resourceType": "ConceptMap",
		"id":           cmID,
		"group": []interface{}{
			map[string]interface{}{
				"source": "PV1-2",
				"element": []interface{}{
					map[string]interface{}{
						"code": "I",
						"target": []interface{}{
							map[string]interface{}{"code": "IMP", "display": "inpatient"},
						},
					},
				},
			},
		},
	}
	server := store.server()
	defer server.Close()

	msg := mustParse(t, adtA01)
	result, err := convertADT(context.Background(), msg, testDeps(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.MappingErrors) != 0 {
		t.Fatalf("expected no mapping errors, got %d", len(result.MappingErrors))
	}

	var sawEncounter bool
	for _, entry := range result.Bundle.Entry {
		if entry.Resource["resourceType"] == "Encounter" {
			sawEncounter = true
			class, _ := entry.Resource["class"].(map[string]interface{})
			if class["code"] != "IMP" {
				t.Errorf("expected resolved class IMP, got %v", class["code"])
			}
		}
	}
	if !sawEncounter {
		t.Error("expected an Encounter resource in the bundle")
	}
}

const oruR01 = "MSH|^~\\&|LAB|LABFAC|BRIDGE|BRIDGEFAC|20240115143025||ORU^R01|MSG00003|P|2.5.1\r" +
	"PID|1||MRN12345||Doe^John||19800515|M\r" +
	"OBR|1|ORD-1|FILL-1|CBC^Complete Blood Count\r" +
	"OBX|1|NM|789-8^RBC^LN||4.8|10*6/uL|4.0-5.5|N|||F\r" +
	"NTE|1||Specimen slightly hemolyzed"

func TestConvertORU_UnmappedObservationCode_ProducesTasksOnlyBundle(t *testing.T) {
	store := newFakeStore()
	server := store.server()
	defer server.Close()

	msg := mustParse(t, oruR01)
	result, err := convertORU(context.Background(), msg, testDeps(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.MappingErrors) == 0 {
		t.Fatal("expected mapping errors for unmapped LOINC code")
	}
}

func TestConvertORU_MappedObservation_LinksToReport(t *testing.T) {
	store := newFakeStore()
	cmID := mapping.ConceptMapID("LAB", "LABFAC", "observation-code-loinc")
	store.conceptMaps[cmID] = map[string]interface{}{
		"resourceType": "ConceptMap",
		"id":           cmID,
		"group": []interface{}{
			map[string]interface{}{
				"source": "LN",
				"element": []interface{}{
					map[string]interface{}{
						"code": "789-8",
						"target": []interface{}{
							map[string]interface{}{"code": "789-8", "display": "RBC"},
						},
					},
				},
			},
		},
	}
	statusCMID := mapping.ConceptMapID("LAB", "LABFAC", "obx-status")
	store.conceptMaps[statusCMID] = map[string]interface{}{
		"resourceType": "ConceptMap",
		"id":           statusCMID,
		"group": []interface{}{
			map[string]interface{}{
				"source": "OBX-11",
				"element": []interface{}{
					map[string]interface{}{
						"code":   "F",
						"target": []interface{}{map[string]interface{}{"code": "final"}},
					},
				},
			},
		},
	}
	server := store.server()
	defer server.Close()

	msg := mustParse(t, oruR01)
	result, err := convertORU(context.Background(), msg, testDeps(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.MappingErrors) != 0 {
		t.Fatalf("expected no mapping errors, got %d", len(result.MappingErrors))
	}

	var report map[string]interface{}
	var obs map[string]interface{}
	for _, entry := range result.Bundle.Entry {
		switch entry.Resource["resourceType"] {
		case "DiagnosticReport":
			report = entry.Resource
		case "Observation":
			obs = entry.Resource
		}
	}
	if report == nil || obs == nil {
		t.Fatal("expected both a DiagnosticReport and an Observation")
	}
	if report["id"] != "FILL-1" {
		t.Errorf("expected DiagnosticReport id to be the literal OBR-3 value FILL-1, got %v", report["id"])
	}
	results, _ := report["result"].([]map[string]interface{})
	if len(results) != 1 || results[0]["reference"] != "Observation/"+obs["id"].(string) {
		t.Errorf("expected report.result to reference the observation, got %+v", results)
	}
	notes, _ := obs["note"].([]map[string]interface{})
	if len(notes) != 1 || notes[0]["text"] != "Specimen slightly hemolyzed" {
		t.Errorf("expected NTE text attached to observation note, got %+v", notes)
	}
	quantity, _ := obs["valueQuantity"].(map[string]interface{})
	if quantity == nil || quantity["value"] != 4.8 {
		t.Errorf("expected NM observation to produce a valueQuantity of 4.8, got %+v", quantity)
	}
}

func TestLookup_UnknownMessageType(t *testing.T) {
	if _, ok := Lookup("SIU^S12"); ok {
		t.Error("SIU^S12 is not in the closed dispatch table and must not resolve")
	}
	if _, ok := Lookup("ADT^A01"); !ok {
		t.Error("expected ADT^A01 to be registered")
	}
	if _, ok := Lookup("ORM^O01"); !ok {
		t.Error("expected ORM^O01 to be registered")
	}
}
