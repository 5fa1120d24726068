package importrun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/legacyimport/internal/platform/db"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _ := newTestService()
	return NewHandler(svc), echo.New()
}

func tenantRequest(method, target, tenant string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(db.WithTenantID(context.Background(), tenant))
}

func TestHandler_ListRuns(t *testing.T) {
	h, e := newTestHandler()
	run := New("clinic_a", "export.zip", 1, "zip")
	for i := 0; i < 15; i++ {
		run.Start()
		run.RecordError(Issue{Category: CategoryValidation, Row: i + 1})
	}
	if err := h.svc.Begin(context.Background(), run); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(tenantRequest(http.MethodGet, "/imports/runs", "clinic_a"), rec)
	if err := h.ListRuns(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Data  []Report `json:"data"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 {
		t.Fatalf("expected 1 run, got %d", body.Total)
	}
	if len(body.Data[0].Errors) != listIssuePreview || body.Data[0].TotalErrors != 15 {
		t.Errorf("expected %d of 15 errors, got %d of %d", listIssuePreview, len(body.Data[0].Errors), body.Data[0].TotalErrors)
	}
}

func TestHandler_GetRun(t *testing.T) {
	h, e := newTestHandler()
	run := New("clinic_a", "export.zip", 1, "zip")
	if err := h.svc.Begin(context.Background(), run); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(tenantRequest(http.MethodGet, "/", "clinic_a"), rec)
	c.SetParamNames("id")
	c.SetParamValues(run.ID.String())
	if err := h.GetRun(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetRun_OtherTenant(t *testing.T) {
	h, e := newTestHandler()
	run := New("clinic_a", "export.zip", 1, "zip")
	if err := h.svc.Begin(context.Background(), run); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	c := e.NewContext(tenantRequest(http.MethodGet, "/", "clinic_b"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(run.ID.String())
	err := h.GetRun(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetRun_BadID(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(tenantRequest(http.MethodGet, "/", "clinic_a"), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	err := h.GetRun(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
