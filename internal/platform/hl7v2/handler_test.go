package hl7v2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func testHandler() *Handler {
	return NewHandler(MSHApps{SendingApp: "BRIDGE", SendingFac: "BRIDGEFAC", ReceivingApp: "BILLSYS", ReceivingFac: "BILLFAC"})
}

func TestHandler_ParseMessage(t *testing.T) {
	h := testHandler()
	e := echo.New()

	body := "MSH|^~\\&|SendingApp|SendingFac|ReceivingApp|ReceivingFac|20240115143025||ADT^A01|MSG00001|P|2.5.1\rPID|1||MRN12345||Doe^John||19800515|M"

	req := httptest.NewRequest(http.MethodPost, "/hl7v2/parse", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		t.Errorf("expected Content-Type containing 'application/json', got %q", contentType)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}

	if result["type"] != "ADT^A01" {
		t.Errorf("expected type 'ADT^A01', got %v", result["type"])
	}
	if result["controlId"] != "MSG00001" {
		t.Errorf("expected controlId 'MSG00001', got %v", result["controlId"])
	}
	if result["version"] != "2.5.1" {
		t.Errorf("expected version '2.5.1', got %v", result["version"])
	}

	segments, ok := result["segments"].([]interface{})
	if !ok {
		t.Fatal("expected segments array in response")
	}
	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments, got %d", len(segments))
	}
}

func TestHandler_ParseMessage_Invalid(t *testing.T) {
	h := testHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/hl7v2/parse", strings.NewReader("this is not a valid hl7 message"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ParseMessage_EmptyBody(t *testing.T) {
	h := testHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/hl7v2/parse", strings.NewReader(""))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_GenerateBAR(t *testing.T) {
	h := testHandler()
	e := echo.New()

	reqBody := `{
		"event": "P01",
		"evnAt": "2024-02-15T08:00:00Z",
		"patient": {
			"resourceType": "Patient",
			"name": [{"family": "Doe", "given": ["John"]}],
			"birthDate": "1980-05-15",
			"gender": "male"
		},
		"encounter": {
			"resourceType": "Encounter",
			"class": {"code": "IMP"},
			"status": "in-progress"
		},
		"conditions": [
			{
				"resourceType": "Condition",
				"code": {"coding": [{"system": "http://hl7.org/fhir/sid/icd-10-cm", "code": "J06.9", "display": "URI"}]}
			}
		]
	}`

	req := httptest.NewRequest(http.MethodPost, "/hl7v2/generate/bar", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.GenerateBARHandler(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d; body: %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if !strings.Contains(body, "BAR^P01") {
		t.Error("expected BAR^P01 in response")
	}
	if !strings.Contains(body, "Doe^John") {
		t.Error("expected patient name in response")
	}
	if !strings.Contains(body, "DG1|1|") {
		t.Error("expected DG1 segment in response")
	}
}

func TestHandler_GenerateBAR_MissingEvent(t *testing.T) {
	h := testHandler()
	e := echo.New()

	reqBody := `{
		"patient": {"name": [{"family": "Doe", "given": ["John"]}]}
	}`

	req := httptest.NewRequest(http.MethodPost, "/hl7v2/generate/bar", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.GenerateBARHandler(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_GenerateBAR_InvalidEVNAt(t *testing.T) {
	h := testHandler()
	e := echo.New()

	reqBody := `{
		"event": "P01",
		"evnAt": "not-a-timestamp",
		"patient": {"name": [{"family": "Doe", "given": ["John"]}]}
	}`

	req := httptest.NewRequest(http.MethodPost, "/hl7v2/generate/bar", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.GenerateBARHandler(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := testHandler()
	e := echo.New()

	g := e.Group("/api/v1")
	h.RegisterRoutes(g)

	routes := e.Routes()
	routePaths := make(map[string]bool)
	for _, r := range routes {
		routePaths[r.Method+":"+r.Path] = true
	}

	expected := []string{
		"POST:/api/v1/hl7v2/parse",
		"POST:/api/v1/hl7v2/generate/bar",
	}
	for _, path := range expected {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}
