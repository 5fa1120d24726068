package legacyimport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/db"
)

func multipartRequest(t *testing.T, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/imports/uploads", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req.WithContext(db.WithTenantID(context.Background(), testTenant))
}

func tenantRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(db.WithTenantID(context.Background(), testTenant))
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected *echo.HTTPError, got %v", err)
	return he.Code
}

func uploadZip(t *testing.T, h *Handler, entries ...[2]string) uploadResponse {
	t.Helper()
	content, err := os.ReadFile(writeZip(t, entries...))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(multipartRequest(t, "export.zip", content), rec)
	require.NoError(t, h.CreateUpload(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandler_CreateUploadPreviewsZip(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc, 10<<20)

	resp := uploadZip(t, h, [2]string{"Tables/Patients.csv", patientsCSV})
	require.NotNil(t, resp.Upload)
	assert.Equal(t, ArchiveZIP, resp.Upload.ArchiveType)
	require.NotNil(t, resp.Preview)
	assert.True(t, resp.Preview.IsChirotouchLike)
	assert.Equal(t, 2, resp.Preview.Counts["patients"])
	assert.Zero(t, env.store.Counts(env.ctx)["patients"], "preview does not write records")
}

func TestHandler_CreateUploadRejects(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unsupported extension", func(t *testing.T) {
		c := echo.New().NewContext(multipartRequest(t, "notes.pdf", []byte("%PDF")), httptest.NewRecorder())
		assert.Equal(t, http.StatusBadRequest, httpStatus(t, NewHandler(env.svc, 0).CreateUpload(c)))
	})

	t.Run("too large", func(t *testing.T) {
		c := echo.New().NewContext(multipartRequest(t, "Patients.csv", bytes.Repeat([]byte("x"), 4096)), httptest.NewRecorder())
		assert.Equal(t, http.StatusRequestEntityTooLarge, httpStatus(t, NewHandler(env.svc, 1024).CreateUpload(c)))
	})

	t.Run("missing file", func(t *testing.T) {
		c := echo.New().NewContext(tenantRequest(http.MethodPost, "/imports/uploads", ""), httptest.NewRecorder())
		assert.Equal(t, http.StatusBadRequest, httpStatus(t, NewHandler(env.svc, 0).CreateUpload(c)))
	})

	t.Run("corrupt zip", func(t *testing.T) {
		c := echo.New().NewContext(multipartRequest(t, "export.zip", []byte("not a zip")), httptest.NewRecorder())
		assert.Equal(t, http.StatusBadRequest, httpStatus(t, NewHandler(env.svc, 0).CreateUpload(c)))
	})
}

func TestHandler_CommitUpload(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc, 0)
	resp := uploadZip(t, h, [2]string{"Tables/Patients.csv", patientsCSV})

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(tenantRequest(http.MethodPost, "/", `{"datasets":{"chart_notes":false}}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(resp.Upload.ID.String())
	require.NoError(t, h.CommitUpload(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var report importrun.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, importrun.StatusCompleted, report.Status)
	assert.Equal(t, 1, report.EntityCounts[importrun.EntityPatient])
	assert.Equal(t, 1, report.TotalErrors)

	c = e.NewContext(tenantRequest(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(resp.Upload.ID.String())
	assert.Equal(t, http.StatusNotFound, httpStatus(t, h.PreviewUpload(c)), "committed uploads are gone")
}

func TestHandler_UnknownUpload(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc, 0)
	e := echo.New()

	for name, fn := range map[string]echo.HandlerFunc{
		"preview": h.PreviewUpload,
		"commit":  h.CommitUpload,
		"delete":  h.DeleteUpload,
	} {
		t.Run(name, func(t *testing.T) {
			c := e.NewContext(tenantRequest(http.MethodPost, "/", ""), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues("0b7c2bd6-4c38-4a4e-9a51-3f3f7f0f2c11")
			assert.Equal(t, http.StatusNotFound, httpStatus(t, fn(c)))
		})
	}

	c := e.NewContext(tenantRequest(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, httpStatus(t, h.PreviewUpload(c)))
}

func TestHandler_UploadsAreTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc, 0)
	resp := uploadZip(t, h, [2]string{"Tables/Patients.csv", patientsCSV})

	req := httptest.NewRequest(http.MethodDelete, "/", nil).
		WithContext(db.WithTenantID(context.Background(), "clinic_b"))
	c := echo.New().NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(resp.Upload.ID.String())
	assert.Equal(t, http.StatusNotFound, httpStatus(t, h.DeleteUpload(c)))

	rec := httptest.NewRecorder()
	c = echo.New().NewContext(tenantRequest(http.MethodDelete, "/", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(resp.Upload.ID.String())
	require.NoError(t, h.DeleteUpload(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
