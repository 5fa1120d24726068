package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10M", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"500MB", 500 << 20},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestFormatLimit(t *testing.T) {
	if got := FormatLimit(500 << 20); got != "500M" {
		t.Errorf("expected 500M, got %q", got)
	}
	if got := FormatLimit(1500); got != "1500" {
		t.Errorf("expected 1500, got %q", got)
	}
	if parseLimit(FormatLimit(64<<20)) != 64<<20 {
		t.Error("expected FormatLimit to round-trip through parseLimit")
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/uploads/x/commit", strings.NewReader(`{"datasets":{}}`))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := BodyLimit("1M", "10M")(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected non-empty body")
		}
		called = true
		return c.NoContent(http.StatusOK)
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_Limits(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		limits   [2]string
		rejected bool
	}{
		{"default over limit", http.MethodPost, "/api/v1/imports/uploads/x/commit", [2]string{"1K", "10M"}, true},
		{"upload uses upload limit", http.MethodPost, "/api/v1/imports/uploads", [2]string{"1K", "10M"}, false},
		{"upload with trailing slash", http.MethodPost, "/api/v1/imports/uploads/", [2]string{"1K", "10M"}, false},
		{"upload over upload limit", http.MethodPost, "/api/v1/imports/uploads", [2]string{"512", "1K"}, true},
		{"put to upload path uses default", http.MethodPut, "/api/v1/imports/uploads", [2]string{"1K", "10M"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
			c := echo.New().NewContext(req, httptest.NewRecorder())

			called := false
			err := BodyLimit(tt.limits[0], tt.limits[1])(func(c echo.Context) error {
				called = true
				return nil
			})(c)

			if !tt.rejected {
				if err != nil || !called {
					t.Fatalf("expected handler to run, err=%v", err)
				}
				return
			}
			if called {
				t.Error("handler should not be called when body exceeds limit")
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("expected 413, got %v", err)
			}
		})
	}
}

func TestBodyLimit_SkipsNilBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/imports/runs", nil)
	c := echo.New().NewContext(req, httptest.NewRecorder())

	called := false
	err := BodyLimit("1M", "10M")(func(c echo.Context) error {
		called = true
		return nil
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for GET with no body")
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/uploads/x/commit", bytes.NewReader(bytes.Repeat([]byte("a"), 1024)))
	req.ContentLength = -1
	c := echo.New().NewContext(req, httptest.NewRecorder())

	err := BodyLimit("512", "10M")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}
