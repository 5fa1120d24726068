package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path   string
		public bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/health/extra", false},
		{"/api/v1/imports/uploads", false},
		{"/api/v1/imports/runs", false},
		{"/", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, nil), httptest.NewRecorder())
			c.SetPath(tt.path)

			if AuthSkipper(c) != tt.public {
				t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, !tt.public, tt.public)
			}
			if IsPublicPath(tt.path) != tt.public {
				t.Errorf("IsPublicPath(%s) = %v, want %v", tt.path, !tt.public, tt.public)
			}
		})
	}
}
