package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehrbridge/hl7fhir/internal/domain/hl7intake"
	"github.com/ehrbridge/hl7fhir/internal/mapping"
	"github.com/ehrbridge/hl7fhir/internal/platform/fhirclient"
)

type fakeIntakeRepo struct {
	messages map[uuid.UUID]*hl7intake.Message
}

func newFakeIntakeRepo() *fakeIntakeRepo {
	return &fakeIntakeRepo{messages: map[uuid.UUID]*hl7intake.Message{}}
}
func (r *fakeIntakeRepo) Create(ctx context.Context, m *hl7intake.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.messages[m.ID] = m
	return nil
}
func (r *fakeIntakeRepo) GetByID(ctx context.Context, id uuid.UUID) (*hl7intake.Message, error) {
	m, ok := r.messages[id]
	if !ok {
		return nil, fakeErrNotFound{}
	}
	return m, nil
}
func (r *fakeIntakeRepo) Update(ctx context.Context, m *hl7intake.Message) error {
	r.messages[m.ID] = m
	return nil
}
func (r *fakeIntakeRepo) OldestByStatus(ctx context.Context, status string) (*hl7intake.Message, error) {
	return nil, nil
}
func (r *fakeIntakeRepo) ListByStatusAndTask(ctx context.Context, status, taskRef string) ([]*hl7intake.Message, error) {
	var out []*hl7intake.Message
	for _, m := range r.messages {
		if m.Status == status && m.RefersTo(taskRef) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeErrNotFound struct{}

func (fakeErrNotFound) Error() string { return "not found" }

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	repo := newFakeIntakeRepo()
	messages := hl7intake.NewService(repo)
	fhir := fhirclient.NewClient("http://unused.invalid", "")
	coordinator := mapping.NewCoordinator(fhir, messages)
	h := NewHandler(coordinator, messages)
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReenqueueMessage_UnknownID_ReturnsNotFound(t *testing.T) {
	e := echo.New()
	repo := newFakeIntakeRepo()
	messages := hl7intake.NewService(repo)
	fhir := fhirclient.NewClient("http://unused.invalid", "")
	coordinator := mapping.NewCoordinator(fhir, messages)
	h := NewHandler(coordinator, messages)
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodPost, "/admin/messages/"+uuid.New().String()+"/reenqueue", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReenqueueMessage_KnownErrorMessage_ReturnsNoContent(t *testing.T) {
	e := echo.New()
	repo := newFakeIntakeRepo()
	reason := "transport timeout"
	m := &hl7intake.Message{ID: uuid.New(), Status: hl7intake.StatusError, ErrorReason: &reason}
	repo.messages[m.ID] = m
	messages := hl7intake.NewService(repo)
	fhir := fhirclient.NewClient("http://unused.invalid", "")
	coordinator := mapping.NewCoordinator(fhir, messages)
	h := NewHandler(coordinator, messages)
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodPost, "/admin/messages/"+m.ID.String()+"/reenqueue", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if repo.messages[m.ID].Status != hl7intake.StatusReceived {
		t.Errorf("expected message re-enqueued to received, got %s", repo.messages[m.ID].Status)
	}
}

func TestResolveTask_MissingResolvedCode_ReturnsBadRequest(t *testing.T) {
	e := echo.New()
	repo := newFakeIntakeRepo()
	messages := hl7intake.NewService(repo)
	fhir := fhirclient.NewClient("http://unused.invalid", "")
	coordinator := mapping.NewCoordinator(fhir, messages)
	h := NewHandler(coordinator, messages)
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/map-1/resolve", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestResolveTask_ResolvesAndReenqueuesBlockedMessage(t *testing.T) {
	task := &mapping.Task{
		ID:              "map-bridge-facility-observation-code-loinc-abc-def",
		Status:          mapping.TaskStatusRequested,
		MappingType:     "observation-code-loinc",
		SendingApp:      "SENDER",
		SendingFacility: "FAC",
		LocalSystem:     "OBX-3",
		LocalCode:       "789-8",
		LocalDisplay:    "RBC",
	}
	taskRef := mapping.TaskRef(task.ID)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/Task/"+task.ID:
			w.Header().Set("ETag", `"1"`)
			writeJSON(w, task.ToFHIR())
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/ConceptMap/"):
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/":
			writeJSON(w, map[string]interface{}{"resourceType": "Bundle", "type": "transaction-response", "entry": []interface{}{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	e := echo.New()
	repo := newFakeIntakeRepo()
	blocked := &hl7intake.Message{
		ID:     uuid.New(),
		Status: hl7intake.StatusMappingError,
		UnmappedCodes: []hl7intake.UnmappedCode{
			{LocalCode: "789-8", LocalSystem: "OBX-3", MappingTask: taskRef},
		},
	}
	repo.messages[blocked.ID] = blocked
	messages := hl7intake.NewService(repo)
	fhir := fhirclient.NewClient(server.URL, "")
	coordinator := mapping.NewCoordinator(fhir, messages)
	h := NewHandler(coordinator, messages)
	h.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/"+task.ID+"/resolve",
		strings.NewReader(`{"resolvedCode":"4567-8","resolvedDisplay":"Erythrocytes"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if repo.messages[blocked.ID].Status != hl7intake.StatusReceived {
		t.Errorf("expected blocked message re-enqueued to received, got %s", repo.messages[blocked.ID].Status)
	}
}
