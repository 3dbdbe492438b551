package hl7v2

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler provides debug HTTP endpoints for HL7v2 message parsing and BAR
// generation, useful for operators validating a processing config or a
// mapping registry against a sample message without going through MLLP.
type Handler struct {
	Apps MSHApps
}

// NewHandler creates a new HL7v2 handler using the given outbound app
// identifiers (FHIR_APP/FHIR_FAC/BILLING_APP/BILLING_FAC).
func NewHandler(apps MSHApps) *Handler {
	return &Handler{Apps: apps}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /hl7v2/parse          - Parse HL7v2 message to JSON
//	POST /hl7v2/generate/bar   - Generate a BAR message from a FHIR account graph
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/generate/bar", h.GenerateBARHandler)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// ParseMessage handles POST /hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	msg, err := Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse HL7v2 message: " + err.Error(),
		})
	}

	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{
			Name:   seg.Name,
			Fields: fields,
		}
	}

	result := map[string]interface{}{
		"type":         msg.Type,
		"controlId":    msg.ControlID,
		"version":      msg.Version,
		"timestamp":    msg.Timestamp.Format("2006-01-02T15:04:05Z"),
		"sendingApp":   msg.SendingApp,
		"sendingFac":   msg.SendingFac,
		"receivingApp": msg.ReceivingApp,
		"receivingFac": msg.ReceivingFac,
		"segments":     segments,
	}

	return c.JSON(http.StatusOK, result)
}

// barRequest is the JSON request body for BAR message generation.
type barRequest struct {
	Event      string                   `json:"event"`
	EVNAt      string                   `json:"evnAt"`
	Patient    map[string]interface{}   `json:"patient"`
	Encounter  map[string]interface{}   `json:"encounter"`
	Conditions []map[string]interface{} `json:"conditions"`
	Procedures []map[string]interface{} `json:"procedures"`
	Guarantors []map[string]interface{} `json:"guarantors"`
	Coverages  []barCoverageRequest     `json:"coverages"`
}

type barCoverageRequest struct {
	Coverage     map[string]interface{} `json:"coverage"`
	Organization map[string]interface{} `json:"organization"`
}

// GenerateBARHandler handles POST /hl7v2/generate/bar.
// It accepts a JSON account graph and returns an HL7v2 BAR message as
// text/plain, for operators exercising the builder's segment assembly
// against a sample Invoice without running the poller end to end.
func (h *Handler) GenerateBARHandler(c echo.Context) error {
	var req barRequest
	if err := decodeJSONBody(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	if req.Event == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "event is required",
		})
	}

	evnAt := time.Now().UTC()
	if req.EVNAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.EVNAt)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid evnAt timestamp: " + err.Error(),
			})
		}
		evnAt = parsed
	}

	coverages := make([]BarCoverage, len(req.Coverages))
	for i, cov := range req.Coverages {
		coverages[i] = BarCoverage{Coverage: cov.Coverage, Organization: cov.Organization}
	}

	data, err := GenerateBAR(req.Event, h.Apps, evnAt, BarAccount{
		Patient:    req.Patient,
		Encounter:  req.Encounter,
		Conditions: req.Conditions,
		Procedures: req.Procedures,
		Guarantors: req.Guarantors,
		Coverages:  coverages,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to generate BAR message: " + err.Error(),
		})
	}

	return c.Blob(http.StatusOK, "text/plain", data)
}

// decodeJSONBody reads and decodes the JSON request body into the given target.
func decodeJSONBody(c echo.Context, target interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, target)
}
